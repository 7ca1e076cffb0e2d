package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/payment"
	"chainpay/apps/chainpay/internal/repository"
	"chainpay/apps/chainpay/internal/verifier"
)

// PaymentHandler serves client-submitted verification and payment status
// lookups. A client claiming "I paid with transaction X" goes through the
// same dispatcher and state transitions as the automated paths.
type PaymentHandler struct {
	store      Store
	dispatcher *verifier.Dispatcher
	processor  *payment.Processor
	notifier   Notifier
	logger     *zap.Logger
}

func NewPaymentHandler(store Store, dispatcher *verifier.Dispatcher, processor *payment.Processor, notifier Notifier, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		store:      store,
		dispatcher: dispatcher,
		processor:  processor,
		notifier:   notifier,
		logger:     logger,
	}
}

// VerifyPayment handles POST /api/payments/verify
func (h *PaymentHandler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var req VerifyPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_request", "Request body is not valid JSON")
		return
	}
	if req.OrderID == 0 || req.TxHash == "" {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_request", "order_id and tx_hash are required")
		return
	}

	order, err := h.store.GetOrderByID(req.OrderID)
	if err != nil {
		h.logger.Error("Failed to look up order", zap.Int64("order_id", req.OrderID), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to verify payment")
		return
	}
	if order == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "order_not_found", "Order does not exist")
		return
	}
	if order.Status == model.OrderStatusConfirmed {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "order_already_paid", "Order is already paid")
		return
	}

	invoice, err := h.store.GetInvoiceByOrderID(req.OrderID)
	if err != nil {
		h.logger.Error("Failed to look up invoice", zap.Int64("order_id", req.OrderID), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to verify payment")
		return
	}
	if invoice == nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "no_invoice", "Order has no payment invoice")
		return
	}

	existing, err := h.store.GetPaymentByTxHash(req.TxHash)
	if err != nil {
		h.logger.Error("Failed to look up payment", zap.String("tx_hash", req.TxHash), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to verify payment")
		return
	}
	if existing != nil && existing.OrderID != req.OrderID {
		writeErrorResponse(h.logger, w, http.StatusConflict, "tx_in_use", "Transaction is already submitted for another order")
		return
	}

	result, err := h.dispatcher.Verify(r.Context(), invoice.Chain, invoice.Currency,
		req.TxHash, invoice.Address, invoice.ExpectedAmount)
	if err != nil {
		h.logger.Error("Provider verification failed",
			zap.String("tx_hash", req.TxHash),
			zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusBadGateway, "provider_error", "Chain data provider is unavailable")
		return
	}

	if !result.Verified {
		// Persist the rejection so the order history shows what was claimed.
		err := h.store.WithinTx(func(tx repository.Tx) error {
			_, err := h.processor.RecordFailed(tx, invoice, req.TxHash, result.Amount, result.Confirmations)
			return err
		})
		if err != nil {
			h.logger.Error("Failed to record rejected payment", zap.Error(err))
		}
		writeErrorResponse(h.logger, w, http.StatusBadRequest, result.Reason, result.Message)
		return
	}

	var outcome *payment.Outcome
	err = h.store.WithinTx(func(tx repository.Tx) error {
		outcome, err = h.processor.Apply(tx, invoice, payment.Observation{
			TxHash:        req.TxHash,
			Amount:        result.Amount,
			Confirmations: result.Confirmations,
		})
		return err
	})
	if err != nil {
		h.logger.Error("Failed to apply verified payment", zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to verify payment")
		return
	}

	if outcome.NewlyConfirmed && h.notifier != nil {
		if err := h.notifier.NotifyOrderStatus(invoice.OrderID, model.OrderStatusConfirmed, &model.Payment{
			TxHash:   req.TxHash,
			Amount:   result.Amount,
			Currency: invoice.Currency,
		}); err != nil {
			h.logger.Error("Failed to publish order status event",
				zap.Int64("order_id", invoice.OrderID),
				zap.Error(err))
		}
	}

	writeJSONResponse(h.logger, w, http.StatusOK, PaymentResponse{
		PaymentID:     outcome.PaymentID,
		OrderID:       invoice.OrderID,
		TxHash:        req.TxHash,
		Amount:        result.Amount.String(),
		Currency:      invoice.Currency,
		Status:        outcome.Status,
		Confirmations: outcome.Confirmations,
	})
}

// GetPaymentStatus handles GET /api/payments/{tx_hash}. Pending payments are
// re-verified on read so a client polling this endpoint sees confirmations
// advance without waiting for the next reconcile sweep.
func (h *PaymentHandler) GetPaymentStatus(w http.ResponseWriter, r *http.Request) {
	txHash := mux.Vars(r)["tx_hash"]
	if txHash == "" {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "missing_tx_hash", "Transaction hash is required")
		return
	}

	record, err := h.store.GetPaymentByTxHash(txHash)
	if err != nil {
		h.logger.Error("Failed to look up payment", zap.String("tx_hash", txHash), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to fetch payment")
		return
	}
	if record == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "payment_not_found", "No payment for this transaction hash")
		return
	}

	if record.Status == model.PaymentStatusPending {
		if refreshed := h.refresh(r, record); refreshed != nil {
			record = refreshed
		}
	}

	writeJSONResponse(h.logger, w, http.StatusOK, PaymentResponse{
		PaymentID:     record.ID,
		OrderID:       record.OrderID,
		TxHash:        record.TxHash,
		Amount:        record.Amount.String(),
		Currency:      record.Currency,
		Status:        record.Status,
		Confirmations: record.Confirmations,
		VerifiedAt:    record.VerifiedAt,
	})
}

// GetOrderPayments handles GET /api/orders/{order_id}/payments
func (h *PaymentHandler) GetOrderPayments(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(mux.Vars(r)["order_id"], 10, 64)
	if err != nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_order_id", "order_id must be an integer")
		return
	}

	order, err := h.store.GetOrderByID(orderID)
	if err != nil {
		h.logger.Error("Failed to look up order", zap.Int64("order_id", orderID), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to fetch payments")
		return
	}
	if order == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "order_not_found", "Order does not exist")
		return
	}

	payments, err := h.store.GetPaymentsByOrderID(orderID)
	if err != nil {
		h.logger.Error("Failed to list payments", zap.Int64("order_id", orderID), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to fetch payments")
		return
	}

	responses := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		responses = append(responses, PaymentResponse{
			PaymentID:     p.ID,
			OrderID:       p.OrderID,
			TxHash:        p.TxHash,
			Amount:        p.Amount.String(),
			Currency:      p.Currency,
			Status:        p.Status,
			Confirmations: p.Confirmations,
			VerifiedAt:    p.VerifiedAt,
		})
	}

	writeJSONResponse(h.logger, w, http.StatusOK, responses)
}

// refresh re-verifies a pending payment against the chain and applies any
// progress. Returns nil when nothing could be refreshed.
func (h *PaymentHandler) refresh(r *http.Request, record *model.Payment) *model.Payment {
	invoice, err := h.store.GetInvoiceByOrderID(record.OrderID)
	if err != nil || invoice == nil {
		return nil
	}

	result, err := h.dispatcher.Verify(r.Context(), invoice.Chain, invoice.Currency,
		record.TxHash, invoice.Address, invoice.ExpectedAmount)
	if err != nil || !result.Verified {
		return nil
	}

	var outcome *payment.Outcome
	err = h.store.WithinTx(func(tx repository.Tx) error {
		outcome, err = h.processor.Apply(tx, invoice, payment.Observation{
			TxHash:        record.TxHash,
			Amount:        result.Amount,
			Confirmations: result.Confirmations,
		})
		return err
	})
	if err != nil {
		h.logger.Error("Failed to refresh payment", zap.String("tx_hash", record.TxHash), zap.Error(err))
		return nil
	}

	if outcome.NewlyConfirmed && h.notifier != nil {
		if err := h.notifier.NotifyOrderStatus(invoice.OrderID, model.OrderStatusConfirmed, record); err != nil {
			h.logger.Error("Failed to publish order status event",
				zap.Int64("order_id", invoice.OrderID),
				zap.Error(err))
		}
	}

	updated := *record
	updated.Status = outcome.Status
	updated.Confirmations = outcome.Confirmations
	return &updated
}
