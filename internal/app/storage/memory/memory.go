package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/grid402/canvas/internal/app/domain/cell"
	"github.com/grid402/canvas/internal/app/domain/payment"
	"github.com/grid402/canvas/internal/app/storage"
)

// Store is an in-memory implementation of the ledger store. It is safe for
// concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	cells    map[cell.Coord]cell.Cell
	payments []payment.Record
	nonces   map[string]struct{}
}

var _ storage.LedgerStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		cells:  make(map[cell.Coord]cell.Cell),
		nonces: make(map[string]struct{}),
	}
}

func (s *Store) ReadCells(_ context.Context, coords []cell.Coord) (map[cell.Coord]cell.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[cell.Coord]cell.Cell, len(coords))
	for _, c := range coords {
		if stored, ok := s.cells[c]; ok {
			result[c] = stored
		}
	}
	return result, nil
}

func (s *Store) SnapshotCells(_ context.Context) ([]cell.Cell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]cell.Cell, 0, len(s.cells))
	for _, stored := range s.cells {
		result = append(result, stored)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Y != result[j].Y {
			return result[i].Y < result[j].Y
		}
		return result[i].X < result[j].X
	})
	return result, nil
}

func (s *Store) ApplyClaims(_ context.Context, updates []storage.CellUpdate, payments []payment.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check every guard before touching anything so a late failure cannot
	// leave a partial batch behind.
	for _, upd := range updates {
		current := 0
		if stored, ok := s.cells[upd.Cell.Coord()]; ok {
			current = stored.ClaimCount
		}
		if current != upd.ExpectedClaimCount {
			return fmt.Errorf("cell %s: expected claim count %d, found %d: %w",
				upd.Cell.Coord(), upd.ExpectedClaimCount, current, storage.ErrSuperseded)
		}
	}
	seen := make(map[string]struct{}, len(payments))
	for _, rec := range payments {
		if _, dup := s.nonces[rec.Nonce]; dup {
			return fmt.Errorf("nonce %s: %w", rec.Nonce, storage.ErrDuplicateNonce)
		}
		if _, dup := seen[rec.Nonce]; dup {
			return fmt.Errorf("nonce %s: %w", rec.Nonce, storage.ErrDuplicateNonce)
		}
		seen[rec.Nonce] = struct{}{}
	}

	now := time.Now().UTC()
	for _, upd := range updates {
		c := upd.Cell
		c.ClaimCount = upd.ExpectedClaimCount + 1
		c.UpdatedAt = now
		s.cells[c.Coord()] = c
	}
	for _, rec := range payments {
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		s.payments = append(s.payments, rec)
		s.nonces[rec.Nonce] = struct{}{}
	}
	return nil
}

func (s *Store) ListPayments(_ context.Context, limit int) ([]payment.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.payments)
	if limit <= 0 || limit > n {
		limit = n
	}
	result := make([]payment.Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		result = append(result, s.payments[i])
	}
	return result, nil
}
