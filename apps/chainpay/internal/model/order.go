package model

// Order statuses relevant to payment confirmation. The order lifecycle is
// owned by the marketplace; this service only drives the pending→confirmed
// and pending→cancelled transitions.
const (
	OrderStatusPending   = "pending"
	OrderStatusConfirmed = "confirmed"
	OrderStatusCancelled = "cancelled"
)

// Order is the subset of the marketplace order this service reads and updates.
type Order struct {
	ID     int64  `db:"order_id"`
	Status string `db:"status"`
}
