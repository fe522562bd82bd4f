package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/grid402/canvas/pkg/logger"
)

// VerificationError reports a proof the facilitator rejected before any funds
// moved: wrong amount, wrong recipient, expired, or already used.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("payment verification failed: %s", e.Reason)
}

// SettlementError reports a transfer the facilitator could not complete after
// verification succeeded. No ledger state has been written at that point.
type SettlementError struct {
	Reason string
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("payment settlement failed: %s", e.Reason)
}

// VerifyResult is the facilitator's answer to a verification request.
type VerifyResult struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResult is the facilitator's answer to a settlement request.
type SettleResult struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// Facilitator verifies payment proofs against requirements and settles them
// on-chain. Implementations must not mutate any local state.
type Facilitator interface {
	Verify(ctx context.Context, p *Payload, reqs Requirements) (VerifyResult, error)
	Settle(ctx context.Context, p *Payload, reqs Requirements) (SettleResult, error)
}

// HTTPFacilitator talks to a remote facilitator service over HTTP.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

// NewHTTPFacilitator creates a facilitator client. Calls are bounded by the
// supplied client's timeout in addition to the request context.
func NewHTTPFacilitator(baseURL string, client *http.Client, log *logger.Logger) (*HTTPFacilitator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("facilitator url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault("x402-facilitator")
	}
	return &HTTPFacilitator{baseURL: baseURL, client: client, log: log}, nil
}

type facilitatorRequest struct {
	X402Version         int          `json:"x402Version"`
	PaymentPayload      *Payload     `json:"paymentPayload"`
	PaymentRequirements Requirements `json:"paymentRequirements"`
}

// Verify asks the facilitator whether the proof matches the requirements.
func (f *HTTPFacilitator) Verify(ctx context.Context, p *Payload, reqs Requirements) (VerifyResult, error) {
	var result VerifyResult
	if err := f.post(ctx, "/verify", p, reqs, &result); err != nil {
		return VerifyResult{}, err
	}
	f.log.WithFields(map[string]interface{}{
		"valid":   result.IsValid,
		"network": reqs.Network,
		"amount":  reqs.MaxAmountRequired,
	}).Debug("facilitator verify completed")
	return result, nil
}

// Settle asks the facilitator to execute the transfer.
func (f *HTTPFacilitator) Settle(ctx context.Context, p *Payload, reqs Requirements) (SettleResult, error) {
	var result SettleResult
	if err := f.post(ctx, "/settle", p, reqs, &result); err != nil {
		return SettleResult{}, err
	}
	f.log.WithFields(map[string]interface{}{
		"success":     result.Success,
		"transaction": result.Transaction,
		"network":     reqs.Network,
	}).Info("facilitator settle completed")
	return result, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, p *Payload, reqs Requirements, out any) error {
	body, err := json.Marshal(facilitatorRequest{
		X402Version:         Version,
		PaymentPayload:      p,
		PaymentRequirements: reqs,
	})
	if err != nil {
		return fmt.Errorf("encode facilitator request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("facilitator %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("facilitator %s: read response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s: status %d: %s", path, resp.StatusCode, truncate(raw, 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("facilitator %s: decode response: %w", path, err)
	}
	return nil
}

func truncate(raw []byte, n int) string {
	if len(raw) > n {
		raw = raw[:n]
	}
	return string(raw)
}
