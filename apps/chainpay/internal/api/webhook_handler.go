package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/payment"
	"chainpay/apps/chainpay/internal/repository"
)

const (
	webhookSource    = "blockcypher"
	maxWebhookBytes  = 1 << 20
	satoshiExponent  = 8
	webhookTokenName = "x-webhook-token"
)

// WebhookHandler ingests BlockCypher tx-confirmation events. Each delivery is
// claimed in the idempotency ledger and applied to payment state inside one
// transaction, so a replay of the same (hash, confirmations) pair is a no-op
// and a crash mid-processing leaves no trace.
type WebhookHandler struct {
	store     Store
	processor *payment.Processor
	notifier  Notifier
	secret    string
	logger    *zap.Logger
}

func NewWebhookHandler(store Store, processor *payment.Processor, notifier Notifier, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		store:     store,
		processor: processor,
		notifier:  notifier,
		secret:    secret,
		logger:    logger,
	}
}

type blockCypherEvent struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height"`
	DoubleSpend   bool   `json:"double_spend"`
	Total         int64  `json:"total"`
	Outputs       []struct {
		Addresses []string `json:"addresses"`
		Value     int64    `json:"value"`
	} `json:"outputs"`
}

// HandleBlockCypher handles POST /webhooks/blockcypher
func (h *WebhookHandler) HandleBlockCypher(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeErrorResponse(h.logger, w, http.StatusUnauthorized, "unauthorized", "Invalid webhook token")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_payload", "Failed to read request body")
		return
	}

	var event blockCypherEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_payload", "Request body is not valid JSON")
		return
	}
	if event.Hash == "" {
		writeErrorResponse(h.logger, w, http.StatusBadRequest, "invalid_payload", "Missing transaction hash")
		return
	}

	webhookID := model.WebhookID(webhookSource, event.Hash, event.Confirmations)

	// Cheap pre-check; the insert inside the transaction is authoritative.
	processed, err := h.store.IsWebhookProcessed(webhookID)
	if err != nil {
		h.logger.Error("Failed to check idempotency ledger", zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to process webhook")
		return
	}
	if processed {
		writeJSONResponse(h.logger, w, http.StatusOK, WebhookResponse{Status: "already_processed", Confirmations: event.Confirmations})
		return
	}

	var (
		invoice *model.Invoice
		outcome *payment.Outcome
	)

	err = h.store.WithinTx(func(tx repository.Tx) error {
		if err := tx.InsertProcessedWebhook(model.ProcessedWebhook{
			WebhookID: webhookID,
			Source:    webhookSource,
			TxHash:    event.Hash,
			Payload:   body,
		}); err != nil {
			return err
		}

		matched, amount, err := matchInvoice(tx, event)
		if err != nil {
			return err
		}
		if matched == nil {
			// Commit so the unmatched notification is not reprocessed.
			return nil
		}
		invoice = matched

		if event.DoubleSpend {
			h.logger.Warn("Ignoring double-spend notification",
				zap.String("tx_hash", event.Hash),
				zap.String("invoice_id", matched.ID))
			return nil
		}

		outcome, err = h.processor.Apply(tx, matched, payment.Observation{
			TxHash:        event.Hash,
			Amount:        amount,
			Confirmations: event.Confirmations,
		})
		return err
	})

	if errors.Is(err, repository.ErrDuplicateWebhook) {
		writeJSONResponse(h.logger, w, http.StatusOK, WebhookResponse{Status: "already_processed", Confirmations: event.Confirmations})
		return
	}
	if err != nil {
		h.logger.Error("Failed to process webhook",
			zap.String("tx_hash", event.Hash),
			zap.Error(err))
		writeErrorResponse(h.logger, w, http.StatusInternalServerError, "internal_error", "Failed to process webhook")
		return
	}

	if invoice == nil {
		writeErrorResponse(h.logger, w, http.StatusNotFound, "invoice_not_found", "No invoice matches transaction outputs")
		return
	}
	if outcome == nil {
		writeJSONResponse(h.logger, w, http.StatusOK, WebhookResponse{Status: "ignored", Confirmations: event.Confirmations})
		return
	}

	if outcome.NewlyConfirmed && h.notifier != nil {
		if err := h.notifier.NotifyOrderStatus(invoice.OrderID, model.OrderStatusConfirmed, &model.Payment{
			TxHash:   event.Hash,
			Currency: invoice.Currency,
		}); err != nil {
			h.logger.Error("Failed to publish order status event",
				zap.Int64("order_id", invoice.OrderID),
				zap.Error(err))
		}
	}

	status := "updated"
	if outcome.Created {
		status = "success"
	}
	writeJSONResponse(h.logger, w, http.StatusOK, WebhookResponse{
		Status:        status,
		PaymentID:     outcome.PaymentID,
		Confirmations: outcome.Confirmations,
		Confirmed:     outcome.Status == model.PaymentStatusConfirmed,
	})
}

// authorized checks the shared webhook token, accepted as a query parameter
// or header. An empty configured secret disables the check for local setups.
func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.secret == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get(webhookTokenName)
	}
	return token == h.secret
}

// matchInvoice resolves the invoice paid by the transaction by looking up
// each output address, and sums the output values credited to that address.
func matchInvoice(tx repository.Tx, event blockCypherEvent) (*model.Invoice, decimal.Decimal, error) {
	for _, output := range event.Outputs {
		for _, address := range output.Addresses {
			invoice, err := tx.GetInvoiceByAddress(address)
			if err != nil {
				return nil, decimal.Zero, err
			}
			if invoice == nil {
				continue
			}

			total := int64(0)
			for _, candidate := range event.Outputs {
				for _, addr := range candidate.Addresses {
					if addr == invoice.Address {
						total += candidate.Value
						break
					}
				}
			}
			return invoice, decimal.NewFromInt(total).Shift(-satoshiExponent), nil
		}
	}
	return nil, decimal.Zero, nil
}
