package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/payment"
)

var testThresholds = map[string]int64{"btc": 3, "ltc": 3, "eth": 3, "tron": 1}

const (
	testTxHash  = "f854aebae95150b379cc1187d848d58225f3c4157fe992bcd166f58bd5063449"
	testAddress = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
)

func btcInvoice() model.Invoice {
	return model.Invoice{
		ID:             "inv-1",
		OrderID:        77,
		Chain:          "btc",
		Currency:       "btc",
		Address:        testAddress,
		ExpectedAmount: decimal.RequireFromString("0.001"),
		Status:         model.InvoiceStatusPending,
		ExpiresAt:      time.Now().Add(time.Hour),
	}
}

func webhookBody(confirmations int64) []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"hash":          testTxHash,
		"confirmations": confirmations,
		"block_height":  905000,
		"total":         100000,
		"outputs": []map[string]interface{}{
			{"addresses": []string{testAddress}, "value": 100000},
			{"addresses": []string{"1ChangeAddressXXXXXXXXXXXXXXXXXXXX"}, "value": 25000},
		},
	})
	return body
}

func newWebhookTestHandler(store *fakeStore, notifier *recordingNotifier, secret string) *WebhookHandler {
	processor := payment.NewProcessor(testThresholds, zap.NewNop())
	return NewWebhookHandler(store, processor, notifier, secret, zap.NewNop())
}

func deliver(handler *WebhookHandler, body []byte, token string) *httptest.ResponseRecorder {
	url := "/webhooks/blockcypher"
	if token != "" {
		url += "?token=" + token
	}
	req := httptest.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.HandleBlockCypher(rec, req)
	return rec
}

func TestWebhookRejectsBadToken(t *testing.T) {
	handler := newWebhookTestHandler(newFakeStore(), &recordingNotifier{}, "secret")

	rec := deliver(handler, webhookBody(1), "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = deliver(handler, webhookBody(1), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsTokenHeader(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	handler := newWebhookTestHandler(store, &recordingNotifier{}, "secret")

	req := httptest.NewRequest(http.MethodPost, "/webhooks/blockcypher", bytes.NewReader(webhookBody(1)))
	req.Header.Set("x-webhook-token", "secret")
	rec := httptest.NewRecorder()
	handler.HandleBlockCypher(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRejectsMalformedPayload(t *testing.T) {
	handler := newWebhookTestHandler(newFakeStore(), &recordingNotifier{}, "")

	rec := deliver(handler, []byte("{not json"), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = deliver(handler, []byte(`{"confirmations": 1}`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookCreatesPendingPayment(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	notifier := &recordingNotifier{}
	handler := newWebhookTestHandler(store, notifier, "")

	rec := deliver(handler, webhookBody(1), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	assert.False(t, resp.Confirmed)
	assert.Equal(t, int64(1), resp.Confirmations)

	stored := store.state.payments[testTxHash]
	require.NotNil(t, stored)
	assert.Equal(t, model.PaymentStatusPending, stored.Status)
	assert.Equal(t, "0.001", stored.Amount.String())
	assert.Equal(t, int64(77), stored.OrderID)

	// Ledger key claimed for this (hash, confirmations) pair.
	assert.True(t, store.state.webhooks[fmt.Sprintf("blockcypher_%s_1", testTxHash)])

	// Below threshold, nothing downstream moves.
	assert.Equal(t, model.OrderStatusPending, store.state.orders[77].Status)
	assert.Empty(t, notifier.statuses)
}

func TestWebhookProgressiveConfirmation(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	notifier := &recordingNotifier{}
	handler := newWebhookTestHandler(store, notifier, "")

	rec := deliver(handler, webhookBody(1), "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(handler, webhookBody(3), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "updated", resp.Status)
	assert.True(t, resp.Confirmed)

	assert.Equal(t, model.PaymentStatusConfirmed, store.state.payments[testTxHash].Status)
	assert.Equal(t, model.InvoiceStatusPaid, store.state.invoices[testAddress].Status)
	assert.Equal(t, model.OrderStatusConfirmed, store.state.orders[77].Status)
	assert.Equal(t, []string{model.OrderStatusConfirmed}, notifier.statuses)
}

func TestWebhookReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	notifier := &recordingNotifier{}
	handler := newWebhookTestHandler(store, notifier, "")

	deliver(handler, webhookBody(3), "")
	rec := deliver(handler, webhookBody(3), "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_processed", resp.Status)

	// The replay never reaches the notifier.
	assert.Len(t, notifier.statuses, 1)
}

func TestWebhookConcurrentDeliveryLosesInsertRace(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	handler := newWebhookTestHandler(store, &recordingNotifier{}, "")

	deliver(handler, webhookBody(1), "")

	// Second delivery races past the pre-check and hits the insert conflict.
	store.precheckMiss = true
	rec := deliver(handler, webhookBody(1), "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "already_processed", resp.Status)
}

func TestWebhookUnmatchedOutputsReturn404ButCommitClaim(t *testing.T) {
	store := newFakeStore()
	handler := newWebhookTestHandler(store, &recordingNotifier{}, "")

	rec := deliver(handler, webhookBody(1), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The claim is kept so the same unmatched delivery is not reprocessed.
	assert.True(t, store.state.webhooks[fmt.Sprintf("blockcypher_%s_1", testTxHash)])

	rec = deliver(handler, webhookBody(1), "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookRollbackReleasesClaim(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	notifier := &recordingNotifier{}
	handler := newWebhookTestHandler(store, notifier, "")

	store.failOrderWrite = true
	rec := deliver(handler, webhookBody(3), "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// Rollback undoes the claim together with the partial state.
	assert.False(t, store.state.webhooks[fmt.Sprintf("blockcypher_%s_3", testTxHash)])
	assert.Nil(t, store.state.payments[testTxHash])

	// The provider retry of the same notification now succeeds.
	store.failOrderWrite = false
	rec = deliver(handler, webhookBody(3), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.OrderStatusConfirmed, store.state.orders[77].Status)
	assert.Len(t, notifier.statuses, 1)
}

func TestWebhookIgnoresDoubleSpend(t *testing.T) {
	store := newFakeStore()
	store.addOrder(77, model.OrderStatusPending)
	store.addInvoice(btcInvoice())
	handler := newWebhookTestHandler(store, &recordingNotifier{}, "")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(webhookBody(3), &event))
	event["double_spend"] = true
	body, _ := json.Marshal(event)

	rec := deliver(handler, body, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp WebhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp.Status)
	assert.Nil(t, store.state.payments[testTxHash])
}
