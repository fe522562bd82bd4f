// Package canvas implements the paid pixel grid: quoting claim prices,
// settling payments through a facilitator, and applying claims to the ledger.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grid402/canvas/internal/app/codec"
	"github.com/grid402/canvas/internal/app/domain/cell"
	"github.com/grid402/canvas/internal/app/domain/payment"
	"github.com/grid402/canvas/internal/app/metrics"
	"github.com/grid402/canvas/internal/app/notify"
	"github.com/grid402/canvas/internal/app/pricing"
	"github.com/grid402/canvas/internal/app/storage"
	"github.com/grid402/canvas/internal/app/x402"
	"github.com/grid402/canvas/pkg/logger"
)

const (
	// DefaultGridSize is the canvas edge length; valid coordinates are
	// [0, gridSize).
	DefaultGridSize = 1000

	// DefaultMaxClaimsPerCell caps how many times one cell can be re-claimed.
	DefaultMaxClaimsPerCell = 10

	// DefaultMaxBatchSize caps the number of cells in one claim request.
	DefaultMaxBatchSize = 100

	// snapshotTTL bounds how stale a cached binary snapshot may be.
	snapshotTTL = 5 * time.Second
)

// Limits bounds claim requests. Zero values select the defaults.
type Limits struct {
	GridSize         int
	MaxClaimsPerCell int
	MaxBatchSize     int
}

func (l Limits) withDefaults() Limits {
	if l.GridSize <= 0 {
		l.GridSize = DefaultGridSize
	}
	if l.MaxClaimsPerCell <= 0 {
		l.MaxClaimsPerCell = DefaultMaxClaimsPerCell
	}
	if l.MaxBatchSize <= 0 {
		l.MaxBatchSize = DefaultMaxBatchSize
	}
	return l
}

// ErrInvalidInput reports a request rejected before any pricing or payment
// work: bad coordinates, bad colors, or a malformed batch.
var ErrInvalidInput = errors.New("invalid claim request")

// ClaimLimitError reports cells that already reached the claim cap. It is
// returned before any payment is requested.
type ClaimLimitError struct {
	Coords []cell.Coord
}

func (e *ClaimLimitError) Error() string {
	return fmt.Sprintf("claim limit reached for %d cell(s)", len(e.Coords))
}

// PaymentRequiredError carries the challenge a client must satisfy. It is
// returned when the request carries no payment proof.
type PaymentRequiredError struct {
	Challenge x402.Challenge
}

func (e *PaymentRequiredError) Error() string {
	return "payment required"
}

// ConflictError reports a claim rejected by the ledger after its payment
// already settled: money moved but no cell changed. It carries the settlement
// reference so clients can reconcile the charge.
type ConflictError struct {
	Err         error
	Transaction string
	Network     string
	Receipt     string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("payment %s settled but claim was not applied: %v", e.Transaction, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ClaimRequest is one cell a client wants to claim.
type ClaimRequest struct {
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Color string `json:"color"`
}

// Quote describes the current state and next price of one cell.
type Quote struct {
	X          int            `json:"x"`
	Y          int            `json:"y"`
	Color      string         `json:"color"`
	Owner      string         `json:"owner,omitempty"`
	ClaimCount int            `json:"claimCount"`
	NextPrice  pricing.Amount `json:"nextPrice"`
	Claimable  bool           `json:"claimable"`
}

// ClaimResult reports a settled, applied claim batch.
type ClaimResult struct {
	Cells       []cell.Cell      `json:"cells"`
	Payments    []payment.Record `json:"payments"`
	Transaction string           `json:"transaction"`
	Amount      pricing.Amount   `json:"amount"`
	Receipt     string           `json:"-"`
}

// Service orchestrates claims end to end. Funds always move before ledger
// state changes: verify, settle, then apply.
type Service struct {
	store       storage.LedgerStore
	engine      *pricing.Engine
	builder     *x402.Builder
	facilitator x402.Facilitator
	hub         *notify.Hub
	limits      Limits
	log         *logger.Logger

	snapMu      sync.Mutex
	snapPayload []byte
	snapExpiry  time.Time
}

// New constructs a canvas service.
func New(store storage.LedgerStore, engine *pricing.Engine, builder *x402.Builder, facilitator x402.Facilitator, hub *notify.Hub, limits Limits, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("canvas")
	}
	return &Service{
		store:       store,
		engine:      engine,
		builder:     builder,
		facilitator: facilitator,
		hub:         hub,
		limits:      limits.withDefaults(),
		log:         log,
	}
}

// Network returns the configured settlement network.
func (s *Service) Network() string {
	return s.builder.Network()
}

// Quote returns the current state and next claim price of one cell.
func (s *Service) Quote(ctx context.Context, x, y int) (Quote, error) {
	if err := s.validateCoord(x, y); err != nil {
		return Quote{}, err
	}

	cells, err := s.store.ReadCells(ctx, []cell.Coord{{X: x, Y: y}})
	if err != nil {
		return Quote{}, err
	}

	q := Quote{X: x, Y: y, Color: cell.DefaultColor}
	if current, ok := cells[cell.Coord{X: x, Y: y}]; ok {
		q.Color = current.Color
		q.Owner = current.Owner
		q.ClaimCount = current.ClaimCount
	}
	q.NextPrice = s.engine.NextPrice(q.ClaimCount)
	q.Claimable = q.ClaimCount < s.limits.MaxClaimsPerCell
	return q, nil
}

// Requirements builds the payment requirements for a claim batch without
// executing it. Used to render challenges for quote responses.
func (s *Service) Requirements(ctx context.Context, reqs []ClaimRequest, resource string) (x402.Requirements, error) {
	if err := s.validateBatch(reqs); err != nil {
		return x402.Requirements{}, err
	}
	_, total, err := s.priceBatch(ctx, reqs)
	if err != nil {
		return x402.Requirements{}, err
	}
	return s.builder.Requirements(total, resource, describeBatch(reqs)), nil
}

// Claim executes a claim batch: validate, price, settle the payment through
// the facilitator, then apply every cell update and payment record in one
// transaction. paymentHeader is the raw X-PAYMENT value, empty when absent.
func (s *Service) Claim(ctx context.Context, reqs []ClaimRequest, paymentHeader, resource string) (*ClaimResult, error) {
	if err := s.validateBatch(reqs); err != nil {
		metrics.RecordClaim("rejected", 0)
		return nil, err
	}

	expected, total, err := s.priceBatch(ctx, reqs)
	if err != nil {
		var limitErr *ClaimLimitError
		if errors.As(err, &limitErr) {
			metrics.RecordClaim("rejected", 0)
		}
		return nil, err
	}

	requirements := s.builder.Requirements(total, resource, describeBatch(reqs))
	if paymentHeader == "" {
		metrics.RecordClaim("payment_required", 0)
		challenge := x402.NewChallenge(requirements)
		if len(reqs) > 1 {
			challenge.CellCount = len(reqs)
			challenge.TotalPriceAtomic = strconv.FormatInt(int64(total), 10)
		}
		return nil, &PaymentRequiredError{Challenge: challenge}
	}

	proof, err := x402.ParseHeader(paymentHeader)
	if err != nil {
		metrics.RecordClaim("rejected", 0)
		return nil, err
	}
	if proof.Network != s.builder.Network() {
		metrics.RecordClaim("rejected", 0)
		return nil, &x402.VerificationError{
			Reason: fmt.Sprintf("payment network %q does not match %q", proof.Network, s.builder.Network()),
		}
	}

	settleStart := time.Now()
	verification, err := s.facilitator.Verify(ctx, proof, requirements)
	if err != nil {
		metrics.RecordClaim("error", 0)
		return nil, fmt.Errorf("verify payment: %w", err)
	}
	if !verification.IsValid {
		metrics.RecordClaim("rejected", 0)
		reason := verification.InvalidReason
		if reason == "" {
			reason = "payment rejected"
		}
		return nil, &x402.VerificationError{Reason: reason}
	}

	settlement, err := s.facilitator.Settle(ctx, proof, requirements)
	if err != nil {
		metrics.RecordClaim("error", 0)
		return nil, fmt.Errorf("settle payment: %w", err)
	}
	metrics.RecordSettlement(time.Since(settleStart))
	if !settlement.Success {
		metrics.RecordClaim("rejected", 0)
		reason := settlement.ErrorReason
		if reason == "" {
			reason = "settlement failed"
		}
		return nil, &x402.SettlementError{Reason: reason}
	}

	payer := settlement.Payer
	if payer == "" {
		payer = proof.Payer()
	}
	txID := settlement.Transaction
	if txID == "" {
		txID = uuid.NewString()
	}

	now := time.Now().UTC()
	updates := make([]storage.CellUpdate, 0, len(reqs))
	payments := make([]payment.Record, 0, len(reqs))
	cells := make([]cell.Cell, 0, len(reqs))
	for _, req := range reqs {
		coord := cell.Coord{X: req.X, Y: req.Y}
		count := expected[coord]
		next := cell.Cell{
			X:          req.X,
			Y:          req.Y,
			Color:      req.Color,
			Owner:      payer,
			ClaimCount: count + 1,
			UpdatedAt:  now,
		}
		updates = append(updates, storage.CellUpdate{Cell: next, ExpectedClaimCount: count})
		payments = append(payments, payment.Record{
			ID:          uuid.NewString(),
			X:           req.X,
			Y:           req.Y,
			Payer:       payer,
			Amount:      int64(s.engine.NextPrice(count)),
			Nonce:       fmt.Sprintf("%s-%d-%d", txID, req.X, req.Y),
			PaymentHash: txID,
			CreatedAt:   now,
		})
		cells = append(cells, next)
	}

	if err := s.store.ApplyClaims(ctx, updates, payments); err != nil {
		if errors.Is(err, storage.ErrSuperseded) {
			metrics.RecordClaim("superseded", 0)
		} else {
			metrics.RecordClaim("error", 0)
		}
		s.log.WithError(err).
			WithField("transaction", txID).
			WithField("cells", len(updates)).
			Error("claim settled but could not be applied")
		if errors.Is(err, storage.ErrSuperseded) || errors.Is(err, storage.ErrDuplicateNonce) {
			// Money already moved; the client needs the settlement
			// reference to reconcile the charge.
			return nil, &ConflictError{
				Err:         err,
				Transaction: txID,
				Network:     s.builder.Network(),
				Receipt:     x402.EncodeReceipt(settlement),
			}
		}
		return nil, err
	}

	s.invalidateSnapshot()
	if s.hub != nil {
		for _, c := range cells {
			s.hub.Publish(notify.Event{X: c.X, Y: c.Y, Color: c.Color, Owner: c.Owner, ClaimCount: c.ClaimCount})
		}
	}
	metrics.RecordClaim("settled", int64(total))
	s.log.WithField("transaction", txID).
		WithField("payer", payer).
		WithField("cells", len(cells)).
		WithField("amount", int64(total)).
		Info("claim batch applied")

	return &ClaimResult{
		Cells:       cells,
		Payments:    payments,
		Transaction: txID,
		Amount:      total,
		Receipt:     x402.EncodeReceipt(settlement),
	}, nil
}

// Snapshot returns the binary canvas encoding, served from a short-lived
// cache. The second return reports whether the payload came from cache.
func (s *Service) Snapshot(ctx context.Context) ([]byte, bool, error) {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	if s.snapPayload != nil && time.Now().Before(s.snapExpiry) {
		metrics.RecordSnapshot("cache")
		return s.snapPayload, true, nil
	}

	cells, err := s.store.SnapshotCells(ctx)
	if err != nil {
		return nil, false, err
	}
	payload, err := codec.Encode(cells)
	if err != nil {
		return nil, false, err
	}
	s.snapPayload = payload
	s.snapExpiry = time.Now().Add(snapshotTTL)
	metrics.RecordSnapshot("store")
	return payload, false, nil
}

// Payments returns the most recent payment records, newest first.
func (s *Service) Payments(ctx context.Context, limit int) ([]payment.Record, error) {
	return s.store.ListPayments(ctx, limit)
}

func (s *Service) invalidateSnapshot() {
	s.snapMu.Lock()
	s.snapPayload = nil
	s.snapExpiry = time.Time{}
	s.snapMu.Unlock()
}

// priceBatch reads the batch's current claim counts, enforces the claim cap,
// and returns the expected count per coordinate plus the batch total.
func (s *Service) priceBatch(ctx context.Context, reqs []ClaimRequest) (map[cell.Coord]int, pricing.Amount, error) {
	coords := make([]cell.Coord, 0, len(reqs))
	for _, req := range reqs {
		coords = append(coords, cell.Coord{X: req.X, Y: req.Y})
	}
	current, err := s.store.ReadCells(ctx, coords)
	if err != nil {
		return nil, 0, err
	}

	expected := make(map[cell.Coord]int, len(reqs))
	var capped []cell.Coord
	var total pricing.Amount
	for _, coord := range coords {
		count := 0
		if stored, ok := current[coord]; ok {
			count = stored.ClaimCount
		}
		if count >= s.limits.MaxClaimsPerCell {
			capped = append(capped, coord)
			continue
		}
		expected[coord] = count
		total += s.engine.NextPrice(count)
	}
	if len(capped) > 0 {
		return nil, 0, &ClaimLimitError{Coords: capped}
	}
	return expected, total, nil
}

func (s *Service) validateBatch(reqs []ClaimRequest) error {
	if len(reqs) == 0 {
		return fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	if len(reqs) > s.limits.MaxBatchSize {
		return fmt.Errorf("%w: batch of %d exceeds limit of %d", ErrInvalidInput, len(reqs), s.limits.MaxBatchSize)
	}
	seen := make(map[cell.Coord]struct{}, len(reqs))
	for _, req := range reqs {
		if err := s.validateCoord(req.X, req.Y); err != nil {
			return err
		}
		if _, err := cell.ParseColor(req.Color); err != nil {
			return fmt.Errorf("%w: cell (%d, %d): %v", ErrInvalidInput, req.X, req.Y, err)
		}
		coord := cell.Coord{X: req.X, Y: req.Y}
		if _, dup := seen[coord]; dup {
			return fmt.Errorf("%w: duplicate cell %s in batch", ErrInvalidInput, coord)
		}
		seen[coord] = struct{}{}
	}
	return nil
}

func (s *Service) validateCoord(x, y int) error {
	if x < 0 || x >= s.limits.GridSize || y < 0 || y >= s.limits.GridSize {
		return fmt.Errorf("%w: coordinates (%d, %d) outside [0, %d)", ErrInvalidInput, x, y, s.limits.GridSize)
	}
	return nil
}

func describeBatch(reqs []ClaimRequest) string {
	if len(reqs) == 1 {
		return fmt.Sprintf("Claim pixel (%d, %d)", reqs[0].X, reqs[0].Y)
	}
	return fmt.Sprintf("Claim %d pixels", len(reqs))
}
