package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payment statuses. Confirmed and failed are terminal; failed is only ever
// set by an explicit client-initiated verification, never by passive
// ingestion.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusConfirmed = "confirmed"
	PaymentStatusFailed    = "failed"
)

// Payment is one observed on-chain transaction paying an order. There is
// exactly one row per transaction hash; repeated notifications about the same
// hash update this row, never duplicate it.
type Payment struct {
	ID            int64           `db:"payment_id"`
	OrderID       int64           `db:"order_id"`
	TxHash        string          `db:"tx_hash"`
	Amount        decimal.Decimal `db:"amount"`
	Currency      string          `db:"currency"`
	Status        string          `db:"status"`
	Confirmations int64           `db:"confirmations"`
	VerifiedAt    *time.Time      `db:"verified_at"`
	CreatedAt     time.Time       `db:"created_at"`
}
