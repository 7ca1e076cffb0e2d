package api

import (
	"time"
)

// ErrorResponse represents the API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WebhookResponse acknowledges a processed confirmation event
type WebhookResponse struct {
	Status        string `json:"status"`
	PaymentID     int64  `json:"payment_id,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Confirmed     bool   `json:"confirmed"`
}

// CreateInvoiceRequest represents the request body for creating an invoice
type CreateInvoiceRequest struct {
	OrderID        int64      `json:"order_id"`
	Chain          string     `json:"chain"`
	Currency       string     `json:"currency"`
	Address        string     `json:"address"`
	ExpectedAmount string     `json:"expected_amount"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// InvoiceResponse represents the API response for invoice information
type InvoiceResponse struct {
	InvoiceID      string    `json:"invoice_id"`
	OrderID        int64     `json:"order_id"`
	Chain          string    `json:"chain"`
	Currency       string    `json:"currency"`
	Address        string    `json:"address"`
	ExpectedAmount string    `json:"expected_amount"`
	Status         string    `json:"status"`
	ExpiresAt      time.Time `json:"expires_at"`
	HookRegistered bool      `json:"hook_registered"`
}

// VerifyPaymentRequest represents the request body for client-side payment
// verification
type VerifyPaymentRequest struct {
	OrderID int64  `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

// PaymentResponse represents the API response for payment information
type PaymentResponse struct {
	PaymentID     int64      `json:"payment_id"`
	OrderID       int64      `json:"order_id"`
	TxHash        string     `json:"tx_hash"`
	Amount        string     `json:"amount"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	Confirmations int64      `json:"confirmations"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}
