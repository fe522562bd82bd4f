// Package pricing computes the fee required for the next claim on a cell.
package pricing

// Amount is a price expressed in the settlement asset's atomic units
// (USDC carries 6 decimals, so one cent is 10_000 units).
type Amount int64

// AtomicUnitsPerCent is the number of USDC atomic units in one US cent.
const AtomicUnitsPerCent Amount = 10_000

// DefaultBase is the reference base price of one cent per claim.
const DefaultBase = 1 * AtomicUnitsPerCent

// Engine derives claim prices from a cell's claim history. The rule is linear:
// the price of the next claim on a cell with n prior claims is base*(n+1), so
// prices are strictly positive and strictly increasing.
type Engine struct {
	base Amount
}

// NewEngine creates a pricing engine. A non-positive base falls back to
// DefaultBase.
func NewEngine(base Amount) *Engine {
	if base <= 0 {
		base = DefaultBase
	}
	return &Engine{base: base}
}

// Base returns the configured base price.
func (e *Engine) Base() Amount {
	return e.base
}

// NextPrice returns the amount required for the next claim on a cell that has
// been claimed claimCount times. Callers must pass the ledger's current count,
// never a client-supplied value.
func (e *Engine) NextPrice(claimCount int) Amount {
	if claimCount < 0 {
		claimCount = 0
	}
	return e.base * Amount(claimCount+1)
}

// Total sums NextPrice over a batch of current claim counts.
func (e *Engine) Total(claimCounts []int) Amount {
	var total Amount
	for _, n := range claimCounts {
		total += e.NextPrice(n)
	}
	return total
}
