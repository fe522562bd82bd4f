package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	app "github.com/grid402/canvas/internal/app"
	"github.com/grid402/canvas/internal/app/domain/payment"
	"github.com/grid402/canvas/internal/app/metrics"
	"github.com/grid402/canvas/internal/app/storage"
	"github.com/grid402/canvas/internal/app/storage/memory"
	"github.com/grid402/canvas/internal/app/x402"
)

type stubFacilitator struct {
	verify x402.VerifyResult
	settle x402.SettleResult
}

func (f *stubFacilitator) Verify(_ context.Context, _ *x402.Payload, _ x402.Requirements) (x402.VerifyResult, error) {
	return f.verify, nil
}

func (f *stubFacilitator) Settle(_ context.Context, _ *x402.Payload, _ x402.Requirements) (x402.SettleResult, error) {
	return f.settle, nil
}

func newTestHandler(t *testing.T, tx string) http.Handler {
	t.Helper()
	fac := &stubFacilitator{
		verify: x402.VerifyResult{IsValid: true, Payer: "0xpayer"},
		settle: x402.SettleResult{Success: true, Transaction: tx, Network: "base-sepolia", Payer: "0xpayer"},
	}
	application, err := app.New(app.Stores{}, app.Options{PayTo: "0xmerchant", Facilitator: fac}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	if err := application.Start(context.Background()); err != nil {
		t.Fatalf("start application: %v", err)
	}
	t.Cleanup(func() { _ = application.Stop(context.Background()) })

	handler, err := NewHandler(application, Config{
		AdminUser:     "admin",
		AdminPassword: "pass",
		JWTSecret:     "test-secret",
	}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return handler
}

func marshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func testProofHeader(t *testing.T) string {
	t.Helper()
	raw := marshal(t, map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "base-sepolia",
		"payload": map[string]any{
			"signature": "0xsig",
			"authorization": map[string]any{
				"from": "0xpayer", "to": "0xmerchant", "value": "10000",
				"validAfter": "0", "validBefore": "99999999999", "nonce": "0xabc",
			},
		},
	})
	return base64.StdEncoding.EncodeToString(raw)
}

func TestClaimFlow(t *testing.T) {
	handler := newTestHandler(t, "0xtx")

	// Unpaid claim returns a challenge.
	req := httptest.NewRequest(http.MethodPost, "/pixels", bytes.NewReader(marshal(t, map[string]any{"x": 3, "y": 5, "color": "#ff0000"})))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d: %s", resp.Code, resp.Body.String())
	}
	var challenge x402.Challenge
	if err := json.Unmarshal(resp.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}
	if challenge.X402Version != 1 || len(challenge.Accepts) != 1 {
		t.Fatalf("challenge = %+v", challenge)
	}
	if challenge.Accepts[0].MaxAmountRequired != "10000" {
		t.Fatalf("price = %q, want 10000", challenge.Accepts[0].MaxAmountRequired)
	}

	// Paid claim succeeds and returns a settlement receipt header.
	req = httptest.NewRequest(http.MethodPost, "/pixels", bytes.NewReader(marshal(t, map[string]any{"x": 3, "y": 5, "color": "#ff0000"})))
	req.Header.Set(x402.Header, testProofHeader(t))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get(x402.ResponseHeader) == "" {
		t.Fatal("missing settlement receipt header")
	}
	var claim struct {
		Success     bool   `json:"success"`
		Transaction string `json:"transaction"`
		Amount      string `json:"amount"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &claim); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if !claim.Success || claim.Transaction != "0xtx" || claim.Amount != "10000" {
		t.Fatalf("claim = %+v", claim)
	}

	// Quote reflects the claim and escalated price.
	req = httptest.NewRequest(http.MethodGet, "/pixels?x=3&y=5", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("quote status = %d", resp.Code)
	}
	var quote struct {
		Pixel struct {
			Color      string `json:"color"`
			ClaimCount int    `json:"claimCount"`
			NextPrice  int64  `json:"nextPrice"`
		} `json:"pixel"`
		Accepts []x402.Requirements `json:"accepts"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &quote); err != nil {
		t.Fatalf("unmarshal quote: %v", err)
	}
	if quote.Pixel.Color != "#ff0000" || quote.Pixel.ClaimCount != 1 || quote.Pixel.NextPrice != 20000 {
		t.Fatalf("quote = %+v", quote.Pixel)
	}
	if len(quote.Accepts) != 1 || quote.Accepts[0].MaxAmountRequired != "20000" {
		t.Fatalf("quote accepts = %+v", quote.Accepts)
	}

	// Binary snapshot carries the claimed cell.
	req = httptest.NewRequest(http.MethodGet, "/canvas/binary", nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("snapshot status = %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "application/octet-stream" {
		t.Fatalf("snapshot content type = %q", got)
	}
	if got := resp.Header().Get("Cache-Control"); !strings.Contains(got, "max-age=5") {
		t.Fatalf("snapshot cache control = %q", got)
	}
	if len(resp.Body.Bytes()) != 4+8 {
		t.Fatalf("snapshot payload = %d bytes, want 12", len(resp.Body.Bytes()))
	}
}

func TestBatchClaim(t *testing.T) {
	handler := newTestHandler(t, "0xbatch")

	body := marshal(t, map[string]any{"cells": []map[string]any{
		{"x": 1, "y": 1, "color": "#111111"},
		{"x": 2, "y": 2, "color": "#222222"},
	}})

	req := httptest.NewRequest(http.MethodPost, "/pixels/batch", bytes.NewReader(body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", resp.Code)
	}
	var challenge x402.Challenge
	if err := json.Unmarshal(resp.Body.Bytes(), &challenge); err != nil {
		t.Fatalf("unmarshal challenge: %v", err)
	}
	if challenge.Accepts[0].MaxAmountRequired != "20000" {
		t.Fatalf("batch price = %q, want 20000", challenge.Accepts[0].MaxAmountRequired)
	}
	if challenge.CellCount != 2 || challenge.TotalPriceAtomic != "20000" {
		t.Fatalf("batch challenge extras = %d/%q, want 2/20000", challenge.CellCount, challenge.TotalPriceAtomic)
	}

	req = httptest.NewRequest(http.MethodPost, "/pixels/batch", bytes.NewReader(body))
	req.Header.Set(x402.Header, testProofHeader(t))
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestClaimValidation(t *testing.T) {
	handler := newTestHandler(t, "0xtx")

	cases := []struct {
		name string
		body []byte
	}{
		{"bad color", []byte(`{"x":1,"y":1,"color":"red"}`)},
		{"out of range", []byte(`{"x":-1,"y":0,"color":"#ffffff"}`)},
		{"unknown field", []byte(`{"x":1,"y":1,"color":"#ffffff","bogus":true}`)},
		{"not json", []byte(`not json`)},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/pixels", bytes.NewReader(tc.body))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", tc.name, resp.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/pixels?x=abc&y=0", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("bad quote coords: expected 400, got %d", resp.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	handler := newTestHandler(t, "0xadmin")

	// Settled claim to have a payment on record.
	req := httptest.NewRequest(http.MethodPost, "/pixels", bytes.NewReader(marshal(t, map[string]any{"x": 7, "y": 7, "color": "#00ff00"})))
	req.Header.Set(x402.Header, testProofHeader(t))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("claim status = %d", resp.Code)
	}

	// Admin routes require a token.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/admin/payments", nil))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}

	// Wrong credentials rejected.
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/auth/login",
		bytes.NewReader(marshal(t, map[string]any{"username": "admin", "password": "wrong"}))))
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 bad login, got %d", resp.Code)
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/auth/login",
		bytes.NewReader(marshal(t, map[string]any{"username": "admin", "password": "pass"}))))
	if resp.Code != http.StatusOK {
		t.Fatalf("login status = %d", resp.Code)
	}
	var login struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &login); err != nil || login.Token == "" {
		t.Fatalf("login body = %s (%v)", resp.Body.String(), err)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/payments", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("payments status = %d: %s", resp.Code, resp.Body.String())
	}
	var payments []map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &payments); err != nil {
		t.Fatalf("unmarshal payments: %v", err)
	}
	if len(payments) != 1 || payments[0]["paymentHash"] != "0xadmin" {
		t.Fatalf("payments = %+v", payments)
	}

	// Both the settled claim and the payments request land in the audit trail.
	req = httptest.NewRequest(http.MethodGet, "/admin/audit", nil)
	req.Header.Set("Authorization", "Bearer "+login.Token)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("audit status = %d", resp.Code)
	}
	var entries []auditEntry
	if err := json.Unmarshal(resp.Body.Bytes(), &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("audit entries = %+v", entries)
	}
	if entries[0].Path != "/pixels" || entries[0].User != "0xpayer" || entries[0].Transaction != "0xadmin" {
		t.Fatalf("settlement entry = %+v", entries[0])
	}
	if entries[1].Path != "/admin/payments" || entries[1].User != "admin" {
		t.Fatalf("admin entry = %+v", entries[1])
	}
}

func TestCanvasStream(t *testing.T) {
	handler := newTestHandler(t, "0xstream")
	// Serve through the instrumented chain so the upgrade path matches what
	// cmd/canvasd wires in production.
	server := httptest.NewServer(metrics.InstrumentHandler(handler))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/canvas/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/pixels",
		bytes.NewReader(marshal(t, map[string]any{"x": 9, "y": 9, "color": "#0000ff"})))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set(x402.Header, testProofHeader(t))
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d", resp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt struct {
		X     int    `json:"x"`
		Y     int    `json:"y"`
		Color string `json:"color"`
	}
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.X != 9 || evt.Y != 9 || evt.Color != "#0000ff" {
		t.Fatalf("event = %+v", evt)
	}
}

// conflictLedger rejects every apply as superseded, simulating a concurrent
// claim landing between the quote and the settlement.
type conflictLedger struct {
	storage.LedgerStore
}

func (s *conflictLedger) ApplyClaims(_ context.Context, updates []storage.CellUpdate, _ []payment.Record) error {
	return fmt.Errorf("cell (%d,%d): %w", updates[0].Cell.X, updates[0].Cell.Y, storage.ErrSuperseded)
}

func TestClaimConflictReportsSettlement(t *testing.T) {
	fac := &stubFacilitator{
		verify: x402.VerifyResult{IsValid: true, Payer: "0xpayer"},
		settle: x402.SettleResult{Success: true, Transaction: "0xconflict", Network: "base-sepolia", Payer: "0xpayer"},
	}
	application, err := app.New(app.Stores{Ledger: &conflictLedger{memory.New()}},
		app.Options{PayTo: "0xmerchant", Facilitator: fac}, nil)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	handler, err := NewHandler(application, Config{}, nil)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/pixels",
		bytes.NewReader(marshal(t, map[string]any{"x": 4, "y": 4, "color": "#abcdef"})))
	req.Header.Set(x402.Header, testProofHeader(t))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	// Money moved before the ledger rejected the batch, so the client must
	// still receive the settlement reference.
	if resp.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get(x402.ResponseHeader) == "" {
		t.Fatal("missing settlement receipt header on conflict")
	}
	var body struct {
		Settled     bool   `json:"settled"`
		Transaction string `json:"transaction"`
		Network     string `json:"network"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal conflict body: %v", err)
	}
	if !body.Settled || body.Transaction != "0xconflict" || body.Network != "base-sepolia" {
		t.Fatalf("conflict body = %+v", body)
	}
	if body.Error == "" {
		t.Fatal("conflict body missing error detail")
	}
}
