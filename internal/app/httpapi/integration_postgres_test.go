//go:build integration && postgres

package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/grid402/canvas/internal/app"
	"github.com/grid402/canvas/internal/app/storage/postgres"
	"github.com/grid402/canvas/internal/app/x402"
)

// Integration test against Postgres to ensure schema + core claim flows work
// with persistence.
func TestIntegrationPostgres(t *testing.T) {
	_ = godotenv.Load() // allow .env for local runs
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping Postgres integration")
	}

	ctx := context.Background()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	if err := postgres.EnsureSchema(ctx, db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := db.ExecContext(ctx, `TRUNCATE canvas_cells, canvas_payments`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	fac := &stubFacilitator{
		verify: x402.VerifyResult{IsValid: true, Payer: "0xpayer"},
		settle: x402.SettleResult{Success: true, Transaction: "0xpgtx", Network: "base-sepolia", Payer: "0xpayer"},
	}
	application, err := app.New(app.Stores{Ledger: postgres.New(db)}, app.Options{PayTo: "0xmerchant", Facilitator: fac}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(ctx) })

	handler, err := NewHandler(application, Config{
		AdminUser:     "admin",
		AdminPassword: "pass",
		JWTSecret:     "integration-secret",
	}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	server := httptest.NewServer(handler)
	defer server.Close()
	client := server.Client()

	if resp, err := client.Get(server.URL + "/healthz"); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz failed: %v status %d", err, resp.StatusCode)
	}

	// Claim persists through the real store.
	body, _ := json.Marshal(map[string]any{"x": 42, "y": 42, "color": "#123abc"})
	req, _ := http.NewRequest(http.MethodPost, server.URL+"/pixels", bytes.NewReader(body))
	req.Header.Set(x402.Header, testProofHeader(t))
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status: %d", resp.StatusCode)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT count(*) FROM canvas_payments`).Scan(&count); err != nil {
		t.Fatalf("count payments: %v", err)
	}
	if count != 1 {
		t.Fatalf("payments = %d, want 1", count)
	}

	loginBody, _ := json.Marshal(map[string]any{"username": "admin", "password": "pass"})
	loginResp, err := client.Post(server.URL+"/auth/login", "application/json", bytes.NewReader(loginBody))
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	defer loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("login status: %d", loginResp.StatusCode)
	}
}
