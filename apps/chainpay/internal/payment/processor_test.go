package payment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/repository"
)

// fakeTx is an in-memory repository.Tx.
type fakeTx struct {
	webhooks       map[string]bool
	payments       map[string]*model.Payment
	nextPaymentID  int64
	invoiceStatus  map[string]string
	orderStatus    map[int64]string
	failOrderWrite bool
}

func newFakeTx() *fakeTx {
	return &fakeTx{
		webhooks:      make(map[string]bool),
		payments:      make(map[string]*model.Payment),
		nextPaymentID: 1,
		invoiceStatus: make(map[string]string),
		orderStatus:   make(map[int64]string),
	}
}

func (f *fakeTx) InsertProcessedWebhook(w model.ProcessedWebhook) error {
	if f.webhooks[w.WebhookID] {
		return repository.ErrDuplicateWebhook
	}
	f.webhooks[w.WebhookID] = true
	return nil
}

func (f *fakeTx) GetInvoiceByAddress(address string) (*model.Invoice, error) {
	return nil, nil
}

func (f *fakeTx) GetPaymentByTxHash(txHash string) (*model.Payment, error) {
	if p, ok := f.payments[txHash]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeTx) CreatePayment(p model.Payment) (int64, error) {
	p.ID = f.nextPaymentID
	f.nextPaymentID++
	f.payments[p.TxHash] = &p
	return p.ID, nil
}

func (f *fakeTx) UpdatePaymentStatus(paymentID int64, status string, confirmations int64) error {
	for _, p := range f.payments {
		if p.ID == paymentID {
			p.Status = status
			p.Confirmations = confirmations
			now := time.Now()
			p.VerifiedAt = &now
			return nil
		}
	}
	return errors.New("payment not found")
}

func (f *fakeTx) UpdateInvoiceStatus(invoiceID, status string) error {
	f.invoiceStatus[invoiceID] = status
	return nil
}

func (f *fakeTx) UpdateOrderStatus(orderID int64, status string) error {
	if f.failOrderWrite {
		return errors.New("order write failed")
	}
	f.orderStatus[orderID] = status
	return nil
}

var thresholds = map[string]int64{"btc": 3, "ltc": 3, "eth": 3, "tron": 1}

func testInvoice() *model.Invoice {
	return &model.Invoice{
		ID:             "inv-1",
		OrderID:        77,
		Chain:          "btc",
		Currency:       "btc",
		Address:        "addr1",
		ExpectedAmount: decimal.RequireFromString("0.001"),
		Status:         model.InvoiceStatusPending,
	}
}

func TestApplyCreatesPendingPayment(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())

	outcome, err := p.Apply(tx, testInvoice(), Observation{
		TxHash:        "tx1",
		Amount:        decimal.RequireFromString("0.001"),
		Confirmations: 1,
	})
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.False(t, outcome.NewlyConfirmed)
	assert.Equal(t, model.PaymentStatusPending, outcome.Status)
	assert.Equal(t, int64(1), outcome.Confirmations)

	// No invoice or order transition below the threshold.
	assert.Empty(t, tx.invoiceStatus)
	assert.Empty(t, tx.orderStatus)
}

func TestApplyConfirmsAtThreshold(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	_, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 1})
	require.NoError(t, err)

	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 3})
	require.NoError(t, err)

	assert.False(t, outcome.Created)
	assert.True(t, outcome.NewlyConfirmed)
	assert.Equal(t, model.PaymentStatusConfirmed, outcome.Status)
	assert.Equal(t, model.InvoiceStatusPaid, tx.invoiceStatus["inv-1"])
	assert.Equal(t, model.OrderStatusConfirmed, tx.orderStatus[77])
}

func TestApplyReplayDoesNotReconfirm(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 3})
	require.NoError(t, err)
	require.True(t, outcome.NewlyConfirmed)

	invoice.Status = model.InvoiceStatusPaid

	outcome, err = p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 4})
	require.NoError(t, err)
	assert.False(t, outcome.NewlyConfirmed)
	assert.Equal(t, model.PaymentStatusConfirmed, outcome.Status)
}

func TestApplyConfirmationsNeverDecrease(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	_, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 2})
	require.NoError(t, err)

	// Out-of-order delivery with a stale count.
	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), outcome.Confirmations)
}

func TestApplyConfirmedNeverReverts(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	_, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 3})
	require.NoError(t, err)
	invoice.Status = model.InvoiceStatusPaid

	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 1})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusConfirmed, outcome.Status)
	assert.Equal(t, int64(3), outcome.Confirmations)
}

func TestApplySecondTransactionOnPaidInvoice(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 3})
	require.NoError(t, err)
	require.True(t, outcome.NewlyConfirmed)
	invoice.Status = model.InvoiceStatusPaid

	// A distinct transaction paying the same settled invoice gets a payment
	// row but triggers no further transitions.
	outcome, err = p.Apply(tx, invoice, Observation{TxHash: "tx2", Amount: decimal.RequireFromString("0.001"), Confirmations: 3})
	require.NoError(t, err)

	assert.True(t, outcome.Created)
	assert.False(t, outcome.NewlyConfirmed)
	assert.Equal(t, model.PaymentStatusConfirmed, outcome.Status)
}

func TestApplyFailedStatusIsTerminal(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	_, err := p.RecordFailed(tx, invoice, "tx1", decimal.RequireFromString("0.0005"), 3)
	require.NoError(t, err)

	outcome, err := p.Apply(tx, invoice, Observation{TxHash: "tx1", Amount: decimal.RequireFromString("0.001"), Confirmations: 5})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, outcome.Status)
	assert.False(t, outcome.NewlyConfirmed)
	assert.Empty(t, tx.invoiceStatus)
}

func TestRecordFailed(t *testing.T) {
	tx := newFakeTx()
	p := NewProcessor(thresholds, zap.NewNop())
	invoice := testInvoice()

	id, err := p.RecordFailed(tx, invoice, "tx1", decimal.RequireFromString("0.0005"), 2)
	require.NoError(t, err)
	require.NotZero(t, id)

	stored := tx.payments["tx1"]
	require.NotNil(t, stored)
	assert.Equal(t, model.PaymentStatusFailed, stored.Status)
	assert.Equal(t, int64(77), stored.OrderID)

	// Idempotent on replay.
	again, err := p.RecordFailed(tx, invoice, "tx1", decimal.RequireFromString("0.0005"), 2)
	require.NoError(t, err)
	assert.Equal(t, id, again)
}
