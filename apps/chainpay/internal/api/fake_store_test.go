package api

import (
	"errors"
	"time"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/repository"
)

// fakeState is the in-memory database behind fakeStore.
type fakeState struct {
	webhooks      map[string]bool
	payments      map[string]*model.Payment
	invoices      map[string]*model.Invoice
	orders        map[int64]*model.Order
	nextPaymentID int64
}

func newFakeState() *fakeState {
	return &fakeState{
		webhooks:      make(map[string]bool),
		payments:      make(map[string]*model.Payment),
		invoices:      make(map[string]*model.Invoice),
		orders:        make(map[int64]*model.Order),
		nextPaymentID: 1,
	}
}

func (s *fakeState) clone() *fakeState {
	c := newFakeState()
	c.nextPaymentID = s.nextPaymentID
	for k, v := range s.webhooks {
		c.webhooks[k] = v
	}
	for k, v := range s.payments {
		p := *v
		c.payments[k] = &p
	}
	for k, v := range s.invoices {
		i := *v
		c.invoices[k] = &i
	}
	for k, v := range s.orders {
		o := *v
		c.orders[k] = &o
	}
	return c
}

// fakeStore implements Store with commit/rollback semantics: WithinTx runs
// against a clone and only swaps it in on success.
type fakeStore struct {
	state *fakeState

	// precheckMiss makes IsWebhookProcessed report false regardless of state,
	// simulating a concurrent delivery that raced past the cheap check.
	precheckMiss bool
	// failOrderWrite makes order updates inside a transaction fail.
	failOrderWrite bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{state: newFakeState()}
}

func (s *fakeStore) addOrder(orderID int64, status string) {
	s.state.orders[orderID] = &model.Order{ID: orderID, Status: status}
}

func (s *fakeStore) addInvoice(invoice model.Invoice) {
	s.state.invoices[invoice.Address] = &invoice
}

func (s *fakeStore) IsWebhookProcessed(webhookID string) (bool, error) {
	if s.precheckMiss {
		return false, nil
	}
	return s.state.webhooks[webhookID], nil
}

func (s *fakeStore) GetInvoiceByAddress(address string) (*model.Invoice, error) {
	if invoice, ok := s.state.invoices[address]; ok {
		clone := *invoice
		return &clone, nil
	}
	return nil, nil
}

func (s *fakeStore) GetInvoiceByOrderID(orderID int64) (*model.Invoice, error) {
	for _, invoice := range s.state.invoices {
		if invoice.OrderID == orderID {
			clone := *invoice
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetOrderByID(orderID int64) (*model.Order, error) {
	if order, ok := s.state.orders[orderID]; ok {
		clone := *order
		return &clone, nil
	}
	return nil, nil
}

func (s *fakeStore) GetPaymentByTxHash(txHash string) (*model.Payment, error) {
	if p, ok := s.state.payments[txHash]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (s *fakeStore) GetPaymentsByOrderID(orderID int64) ([]model.Payment, error) {
	var payments []model.Payment
	for _, p := range s.state.payments {
		if p.OrderID == orderID {
			payments = append(payments, *p)
		}
	}
	return payments, nil
}

func (s *fakeStore) CreateInvoice(invoice model.Invoice) error {
	if _, exists := s.state.invoices[invoice.Address]; exists {
		return repository.ErrDuplicateWebhook
	}
	s.state.invoices[invoice.Address] = &invoice
	return nil
}

func (s *fakeStore) WithinTx(fn func(repository.Tx) error) error {
	staged := s.state.clone()
	tx := &fakeTx{state: staged, failOrderWrite: s.failOrderWrite}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = staged
	return nil
}

type fakeTx struct {
	state          *fakeState
	failOrderWrite bool
}

func (t *fakeTx) InsertProcessedWebhook(w model.ProcessedWebhook) error {
	if t.state.webhooks[w.WebhookID] {
		return repository.ErrDuplicateWebhook
	}
	t.state.webhooks[w.WebhookID] = true
	return nil
}

func (t *fakeTx) GetInvoiceByAddress(address string) (*model.Invoice, error) {
	if invoice, ok := t.state.invoices[address]; ok {
		clone := *invoice
		return &clone, nil
	}
	return nil, nil
}

func (t *fakeTx) GetPaymentByTxHash(txHash string) (*model.Payment, error) {
	if p, ok := t.state.payments[txHash]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (t *fakeTx) CreatePayment(p model.Payment) (int64, error) {
	p.ID = t.state.nextPaymentID
	t.state.nextPaymentID++
	t.state.payments[p.TxHash] = &p
	return p.ID, nil
}

func (t *fakeTx) UpdatePaymentStatus(paymentID int64, status string, confirmations int64) error {
	for _, p := range t.state.payments {
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

func (t *fakeTx) UpdateInvoiceStatus(invoiceID, status string) error {
	for _, invoice := range t.state.invoices {
		if invoice.ID == invoiceID {
			invoice.Status = status
			return nil
		}
	}
	return errors.New("invoice not found")
}

func (t *fakeTx) UpdateOrderStatus(orderID int64, status string) error {
	if t.failOrderWrite {
		return errors.New("order write failed")
	}
	if order, ok := t.state.orders[orderID]; ok {
		order.Status = status
		return nil
	}
	return errors.New("order not found")
}

type recordingNotifier struct {
	orders   []int64
	statuses []string
}

func (n *recordingNotifier) NotifyOrderStatus(orderID int64, status string, p *model.Payment) error {
	n.orders = append(n.orders, orderID)
	n.statuses = append(n.statuses, status)
	return nil
}
