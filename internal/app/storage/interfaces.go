// Package storage defines the persistence contracts for the canvas ledger.
// Implementations live in subpackages; callers depend only on interfaces.
package storage

import (
	"context"
	"errors"

	"github.com/grid402/canvas/internal/app/domain/cell"
	"github.com/grid402/canvas/internal/app/domain/payment"
)

// ErrSuperseded reports a guarded write that lost the race: the cell's claim
// count changed between the price quote and the apply.
var ErrSuperseded = errors.New("cell claim superseded by a concurrent write")

// ErrDuplicateNonce reports a payment nonce that was already recorded. One
// settled transfer must never produce two ledger entries.
var ErrDuplicateNonce = errors.New("duplicate payment nonce")

// CellUpdate is one guarded cell write. The update applies only if the
// stored claim count still equals ExpectedClaimCount (0 for absent cells).
type CellUpdate struct {
	Cell               cell.Cell
	ExpectedClaimCount int
}

// LedgerStore persists cells and their payment records. ApplyClaims is
// all-or-nothing: either every update and payment lands, or none do.
type LedgerStore interface {
	// ReadCells returns the current state of the requested coordinates.
	// Unclaimed coordinates are absent from the result map.
	ReadCells(ctx context.Context, coords []cell.Coord) (map[cell.Coord]cell.Cell, error)

	// SnapshotCells returns every claimed cell.
	SnapshotCells(ctx context.Context) ([]cell.Cell, error)

	// ApplyClaims writes the cell updates and payment records atomically.
	// It returns ErrSuperseded when any guard fails and ErrDuplicateNonce
	// when any payment nonce already exists; nothing is written either way.
	ApplyClaims(ctx context.Context, updates []CellUpdate, payments []payment.Record) error

	// ListPayments returns the most recent payment records, newest first.
	ListPayments(ctx context.Context, limit int) ([]payment.Record, error)
}
