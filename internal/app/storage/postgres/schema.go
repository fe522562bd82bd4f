package postgres

import (
	"context"
	"database/sql"
)

// EnsureSchema creates the ledger tables when they do not exist. It is safe
// to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS canvas_cells (
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			color TEXT NOT NULL,
			owner TEXT NOT NULL,
			claim_count INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (x, y)
		)`,
		`CREATE TABLE IF NOT EXISTS canvas_payments (
			id UUID PRIMARY KEY,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			payer TEXT NOT NULL,
			amount BIGINT NOT NULL,
			nonce TEXT NOT NULL UNIQUE,
			payment_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS canvas_payments_created_at_idx
			ON canvas_payments (created_at DESC)`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
