package api

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/repository"
)

// Store is the repository surface the handlers use. *repository.Store
// satisfies it; tests plug in fakes.
type Store interface {
	IsWebhookProcessed(webhookID string) (bool, error)
	GetInvoiceByAddress(address string) (*model.Invoice, error)
	GetInvoiceByOrderID(orderID int64) (*model.Invoice, error)
	GetOrderByID(orderID int64) (*model.Order, error)
	GetPaymentByTxHash(txHash string) (*model.Payment, error)
	GetPaymentsByOrderID(orderID int64) ([]model.Payment, error)
	CreateInvoice(invoice model.Invoice) error
	WithinTx(fn func(repository.Tx) error) error
}

// Notifier delivers order status events. Matches notifier.Notifier.
type Notifier interface {
	NotifyOrderStatus(orderID int64, status string, payment *model.Payment) error
}

// writeJSONResponse writes a JSON response with the specified status code
func writeJSONResponse(logger *zap.Logger, w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(logger *zap.Logger, w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONResponse(logger, w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
	})
}
