package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/grid402/canvas/internal/app/domain/cell"
	"github.com/grid402/canvas/internal/app/domain/payment"
	"github.com/grid402/canvas/internal/app/storage"
)

// Store implements the ledger store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- LedgerStore ------------------------------------------------------------

func (s *Store) ReadCells(ctx context.Context, coords []cell.Coord) (map[cell.Coord]cell.Cell, error) {
	result := make(map[cell.Coord]cell.Cell, len(coords))
	if len(coords) == 0 {
		return result, nil
	}

	xs := make([]int64, len(coords))
	ys := make([]int64, len(coords))
	for i, c := range coords {
		xs[i] = int64(c.X)
		ys[i] = int64(c.Y)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, color, owner, claim_count, updated_at
		FROM canvas_cells
		WHERE (x, y) IN (SELECT unnest($1::int[]), unnest($2::int[]))
	`, pq.Array(xs), pq.Array(ys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var c cell.Cell
		if err := rows.Scan(&c.X, &c.Y, &c.Color, &c.Owner, &c.ClaimCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result[c.Coord()] = c
	}
	return result, rows.Err()
}

func (s *Store) SnapshotCells(ctx context.Context) ([]cell.Cell, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT x, y, color, owner, claim_count, updated_at
		FROM canvas_cells
		ORDER BY y, x
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]cell.Cell, 0)
	for rows.Next() {
		var c cell.Cell
		if err := rows.Scan(&c.X, &c.Y, &c.Color, &c.Owner, &c.ClaimCount, &c.UpdatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *Store) ApplyClaims(ctx context.Context, updates []storage.CellUpdate, payments []payment.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, upd := range updates {
		c := upd.Cell
		// The conflict branch only fires when the stored count still matches
		// the count the price was quoted against, so a concurrent claim
		// between quote and apply makes this statement touch zero rows.
		result, err := tx.ExecContext(ctx, `
			INSERT INTO canvas_cells (x, y, color, owner, claim_count, updated_at)
			VALUES ($1, $2, $3, $4, $5 + 1, $6)
			ON CONFLICT (x, y) DO UPDATE
			SET color = EXCLUDED.color,
			    owner = EXCLUDED.owner,
			    claim_count = EXCLUDED.claim_count,
			    updated_at = EXCLUDED.updated_at
			WHERE canvas_cells.claim_count = $5
		`, c.X, c.Y, c.Color, c.Owner, upd.ExpectedClaimCount, now)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("cell %s: %w", c.Coord(), storage.ErrSuperseded)
		}
	}

	for _, rec := range payments {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO canvas_payments (id, x, y, payer, amount, nonce, payment_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.ID, rec.X, rec.Y, rec.Payer, rec.Amount, rec.Nonce, rec.PaymentHash, rec.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("nonce %s: %w", rec.Nonce, storage.ErrDuplicateNonce)
			}
			return err
		}
	}

	return tx.Commit()
}

func (s *Store) ListPayments(ctx context.Context, limit int) ([]payment.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, x, y, payer, amount, nonce, payment_hash, created_at
		FROM canvas_payments
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]payment.Record, 0, limit)
	for rows.Next() {
		var rec payment.Record
		if err := rows.Scan(&rec.ID, &rec.X, &rec.Y, &rec.Payer, &rec.Amount, &rec.Nonce, &rec.PaymentHash, &rec.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
