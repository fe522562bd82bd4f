package payment

import "time"

// Record is an append-only receipt for one settled claim on one cell. Records
// are created in the same transaction as the cell mutation they authorise and
// are never updated or deleted.
type Record struct {
	ID          string    `json:"id"`
	X           int       `json:"x"`
	Y           int       `json:"y"`
	Payer       string    `json:"payer"`
	Amount      int64     `json:"amount"` // asset atomic units
	Nonce       string    `json:"nonce"`  // unique across all records
	PaymentHash string    `json:"paymentHash"`
	CreatedAt   time.Time `json:"createdAt"`
}
