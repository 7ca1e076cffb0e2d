package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Invoice statuses. Both paid and expired are terminal.
const (
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
	InvoiceStatusExpired = "expired"
)

// Invoice binds an order to a chain address and an expected amount. The
// payment address is globally unique and is the routing key from an incoming
// transaction output to an order.
type Invoice struct {
	ID             string          `db:"invoice_id"`
	OrderID        int64           `db:"order_id"`
	Chain          string          `db:"chain"`    // "btc", "ltc", "eth", "tron"
	Currency       string          `db:"currency"` // "btc", "ltc", "eth", "usdt"
	Address        string          `db:"address"`
	ExpectedAmount decimal.Decimal `db:"expected_amount"`
	Status         string          `db:"status"`
	ExpiresAt      time.Time       `db:"expires_at"`
	CreatedAt      time.Time       `db:"created_at"`
}
