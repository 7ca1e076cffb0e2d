package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/repository"
)

var supportedChains = map[string]bool{
	"btc":  true,
	"ltc":  true,
	"eth":  true,
	"tron": true,
}

// HookRegistrar subscribes a payment address to provider-side confirmation
// events. Satisfied by the BlockCypher client.
type HookRegistrar interface {
	RegisterHook(ctx context.Context, chainName, address, callbackURL string, confirmations int64) (string, error)
}

// InvoiceHandler creates and exposes payment invoices. For UTXO chains it
// also registers the confirmation webhook with the explorer so push
// notifications start flowing for the new address.
type InvoiceHandler struct {
	store       Store
	hooks       HookRegistrar
	callbackURL string
	thresholds  map[string]int64
	expiry      time.Duration
	logger      *zap.Logger
}

func NewInvoiceHandler(store Store, hooks HookRegistrar, callbackURL string, thresholds map[string]int64, expiry time.Duration, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{
		store:       store,
		hooks:       hooks,
		callbackURL: callbackURL,
		thresholds:  thresholds,
		expiry:      expiry,
		logger:      logger,
	}
}

// CreateInvoice handles POST /api/invoices
func (h *InvoiceHandler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_request", "Request body is not valid JSON")
		return
	}

	if req.OrderID == 0 || req.Chain == "" || req.Currency == "" || req.Address == "" || req.ExpectedAmount == "" {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_request", "order_id, chain, currency, address and expected_amount are required")
		return
	}
	if !supportedChains[req.Chain] {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "unsupported_chain", "Unsupported chain: "+req.Chain)
		return
	}

	amount, err := decimal.NewFromString(req.ExpectedAmount)
	if err != nil || !amount.IsPositive() {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_amount", "expected_amount must be a positive decimal")
		return
	}

	order, err := h.store.GetOrderByID(req.OrderID)
	if err != nil {
		h.logger.Error("Failed to look up order", zap.Int64("order_id", req.OrderID), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to create invoice")
		return
	}
	if order == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "order_not_found", "Order does not exist")
		return
	}

	expiresAt := time.Now().Add(h.expiry)
	if req.ExpiresAt != nil {
		expiresAt = *req.ExpiresAt
	}

	invoice := model.Invoice{
		ID:             uuid.New().String(),
		OrderID:        req.OrderID,
		Chain:          req.Chain,
		Currency:       req.Currency,
		Address:        req.Address,
		ExpectedAmount: amount,
		Status:         model.InvoiceStatusPending,
		ExpiresAt:      expiresAt,
	}

	if err := h.store.CreateInvoice(invoice); err != nil {
		if repository.IsDuplicate(err) {
			writeErrorResponse(h.logger, w, http.StatusConflict, "address_in_use", "Payment address is already assigned to an invoice")
			return
		}
		h.logger.Error("Failed to create invoice", zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to create invoice")
		return
	}

	hookRegistered := h.registerHook(r.Context(), &invoice)

	writeJSONResponse(h.logger, w, http.StatusCreated, InvoiceResponse{
		InvoiceID:      invoice.ID,
		OrderID:        invoice.OrderID,
		Chain:          invoice.Chain,
		Currency:       invoice.Currency,
		Address:        invoice.Address,
		ExpectedAmount: invoice.ExpectedAmount.String(),
		Status:         invoice.Status,
		ExpiresAt:      invoice.ExpiresAt,
		HookRegistered: hookRegistered,
	})
}

// registerHook subscribes UTXO addresses to explorer push notifications.
// Registration failure is not fatal; the invoice can still be settled through
// client-submitted verification.
func (h *InvoiceHandler) registerHook(ctx context.Context, invoice *model.Invoice) bool {
	if h.hooks == nil || h.callbackURL == "" {
		return false
	}
	if invoice.Chain != "btc" && invoice.Chain != "ltc" {
		return false
	}

	threshold := int64(3)
	if t, ok := h.thresholds[invoice.Chain]; ok {
		threshold = t
	}

	hookID, err := h.hooks.RegisterHook(ctx, invoice.Chain, invoice.Address, h.callbackURL, threshold)
	if err != nil {
		h.logger.Warn("Failed to register confirmation webhook",
			zap.String("invoice_id", invoice.ID),
			zap.String("chain", invoice.Chain),
			zap.Error(err))
		return false
	}

	h.logger.Info("Registered confirmation webhook for invoice",
		zap.String("invoice_id", invoice.ID),
		zap.String("hook_id", hookID))
	return true
}

// GetInvoice handles GET /api/invoices/{address}
func (h *InvoiceHandler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if address == "" {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "missing_address", "Address is required")
		return
	}

	invoice, err := h.store.GetInvoiceByAddress(address)
	if err != nil {
		h.logger.Error("Failed to look up invoice", zap.String("address", address), zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to fetch invoice")
		return
	}
	if invoice == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "invoice_not_found", "No invoice for this address")
		return
	}

	writeJSONResponse(h.logger, w, http.StatusOK, InvoiceResponse{
		InvoiceID:      invoice.ID,
		OrderID:        invoice.OrderID,
		Chain:          invoice.Chain,
		Currency:       invoice.Currency,
		Address:        invoice.Address,
		ExpectedAmount: invoice.ExpectedAmount.String(),
		Status:         invoice.Status,
		ExpiresAt:      invoice.ExpiresAt,
	})
}
