package poller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/payment"
	"chainpay/apps/chainpay/internal/repository"
	"chainpay/apps/chainpay/internal/verifier"
)

const ledgerSource = "reconciler"

// Store is the slice of the repository the reconciler needs.
type Store interface {
	GetPendingInvoicesByChains(chains []string, limit int, after time.Time) ([]model.Invoice, error)
	GetExpiredInvoices(now time.Time) ([]model.Invoice, error)
	WithinTx(fn func(repository.Tx) error) error
}

// Notifier matches notifier.Notifier without importing it, so tests can plug
// in a recorder.
type Notifier interface {
	NotifyOrderStatus(orderID int64, status string, payment *model.Payment) error
}

// Stats is a point-in-time snapshot of reconciler counters.
type Stats struct {
	Running           bool       `json:"running"`
	Ticks             int64      `json:"ticks"`
	InvoicesScanned   int64      `json:"invoices_scanned"`
	PaymentsFound     int64      `json:"payments_found"`
	PaymentsConfirmed int64      `json:"payments_confirmed"`
	InvoicesExpired   int64      `json:"invoices_expired"`
	Errors            int64      `json:"errors"`
	LastTick          *time.Time `json:"last_tick,omitempty"`
}

// Reconciler periodically sweeps pending invoices on chains without push
// notifications, discovers recent transfers to their payment addresses and
// runs them through the same verification and state transitions as the
// webhook path. One invoice failing never stops the sweep.
type Reconciler struct {
	store      Store
	dispatcher *verifier.Dispatcher
	processor  *payment.Processor
	notifier   Notifier
	logger     *zap.Logger

	chains    []string
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	ticking bool
	stats   Stats

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func NewReconciler(store Store, dispatcher *verifier.Dispatcher, processor *payment.Processor,
	notifier Notifier, chains []string, interval time.Duration, batchSize int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		dispatcher: dispatcher,
		processor:  processor,
		notifier:   notifier,
		logger:     logger,
		chains:     chains,
		interval:   interval,
		batchSize:  batchSize,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop is called. The first sweep runs
// immediately.
func (r *Reconciler) Start() {
	defer close(r.done)

	r.logger.Info("Starting payment reconciler",
		zap.Strings("chains", r.chains),
		zap.Duration("interval", r.interval))

	r.Tick()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Tick()
		case <-r.stop:
			r.logger.Info("Stopping payment reconciler")
			return
		}
	}
}

func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// Tick runs one sweep. Overlapping sweeps are skipped, not queued.
func (r *Reconciler) Tick() {
	if !r.beginTick() {
		r.logger.Debug("Previous reconcile sweep still running, skipping tick")
		return
	}
	defer r.endTick()

	ctx := context.Background()
	scanned := 0

	// Keyset cursor: invoices confirmed mid-sweep leave the pending set, so
	// offset paging would skip over the rows that shifted into their place.
	var cursor time.Time
	for {
		batch, err := r.store.GetPendingInvoicesByChains(r.chains, r.batchSize, cursor)
		if err != nil {
			r.recordError()
			r.logger.Error("Failed to load pending invoices", zap.Error(err))
			break
		}

		for i := range batch {
			if err := r.processInvoice(ctx, &batch[i]); err != nil {
				r.recordError()
				r.logger.Error("Failed to reconcile invoice",
					zap.String("invoice_id", batch[i].ID),
					zap.String("chain", batch[i].Chain),
					zap.Error(err))
			}
		}

		scanned += len(batch)
		if len(batch) < r.batchSize {
			break
		}
		cursor = batch[len(batch)-1].CreatedAt
	}

	r.expireInvoices()
	r.finishTick(scanned)
}

func (r *Reconciler) processInvoice(ctx context.Context, invoice *model.Invoice) error {
	lister, ok := r.dispatcher.Lister(invoice.Chain, invoice.Currency)
	if !ok {
		// Native ETH has no per-address transfer index; those invoices wait
		// for client-submitted verification.
		r.logger.Debug("No transfer discovery for invoice route",
			zap.String("chain", invoice.Chain),
			zap.String("currency", invoice.Currency))
		return nil
	}

	candidates, err := lister.RecentTransfers(ctx, invoice.Address)
	if err != nil {
		return err
	}

	for _, candidate := range candidates {
		if !verifier.AddressEqual(candidate.To, invoice.Address) {
			continue
		}
		if !r.dispatcher.WithinTolerance(invoice.ExpectedAmount, candidate.Amount) {
			continue
		}

		result, err := r.dispatcher.Verify(ctx, invoice.Chain, invoice.Currency,
			candidate.TxHash, invoice.Address, invoice.ExpectedAmount)
		if err != nil {
			return err
		}
		if !result.Verified {
			r.logger.Debug("Discovered transfer did not verify",
				zap.String("tx_hash", candidate.TxHash),
				zap.String("reason", result.Reason))
			continue
		}

		r.addFound()
		if err := r.applyObservation(invoice, candidate.TxHash, result); err != nil {
			return err
		}
		return nil
	}

	return nil
}

// applyObservation claims the idempotency key and applies the payment inside
// one transaction, identical to the webhook path.
func (r *Reconciler) applyObservation(invoice *model.Invoice, txHash string, result verifier.Result) error {
	obs := payment.Observation{
		TxHash:        txHash,
		Amount:        result.Amount,
		Confirmations: result.Confirmations,
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return err
	}

	var outcome *payment.Outcome
	err = r.store.WithinTx(func(tx repository.Tx) error {
		err := tx.InsertProcessedWebhook(model.ProcessedWebhook{
			WebhookID: model.WebhookID(ledgerSource, txHash, result.Confirmations),
			Source:    ledgerSource,
			TxHash:    txHash,
			Payload:   payload,
		})
		if err != nil {
			return err
		}

		outcome, err = r.processor.Apply(tx, invoice, obs)
		return err
	})
	if errors.Is(err, repository.ErrDuplicateWebhook) {
		// Already applied at this confirmation count on an earlier sweep.
		return nil
	}
	if err != nil {
		return err
	}

	if outcome.NewlyConfirmed {
		r.addConfirmed()
		r.notify(invoice.OrderID, model.OrderStatusConfirmed, &model.Payment{
			TxHash:   txHash,
			Amount:   result.Amount,
			Currency: invoice.Currency,
		})
	}
	return nil
}

// expireInvoices moves pending invoices past their deadline to expired and
// cancels their orders.
func (r *Reconciler) expireInvoices() {
	expired, err := r.store.GetExpiredInvoices(r.now())
	if err != nil {
		r.recordError()
		r.logger.Error("Failed to load expired invoices", zap.Error(err))
		return
	}

	for i := range expired {
		invoice := &expired[i]
		err := r.store.WithinTx(func(tx repository.Tx) error {
			if err := tx.UpdateInvoiceStatus(invoice.ID, model.InvoiceStatusExpired); err != nil {
				return err
			}
			return tx.UpdateOrderStatus(invoice.OrderID, model.OrderStatusCancelled)
		})
		if err != nil {
			r.recordError()
			r.logger.Error("Failed to expire invoice",
				zap.String("invoice_id", invoice.ID),
				zap.Error(err))
			continue
		}

		r.addExpired()
		r.logger.Info("Expired invoice",
			zap.String("invoice_id", invoice.ID),
			zap.Int64("order_id", invoice.OrderID))
		r.notify(invoice.OrderID, model.OrderStatusCancelled, nil)
	}
}

func (r *Reconciler) notify(orderID int64, status string, payment *model.Payment) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.NotifyOrderStatus(orderID, status, payment); err != nil {
		r.logger.Error("Failed to publish order status event",
			zap.Int64("order_id", orderID),
			zap.String("status", status),
			zap.Error(err))
	}
}

// Snapshot returns current counters.
func (r *Reconciler) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	stats.Running = r.ticking
	return stats
}

// ResetStats zeroes the counters.
func (r *Reconciler) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{}
}

func (r *Reconciler) beginTick() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ticking {
		return false
	}
	r.ticking = true
	return true
}

func (r *Reconciler) endTick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticking = false
}

func (r *Reconciler) finishTick(scanned int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.stats.Ticks++
	r.stats.InvoicesScanned += int64(scanned)
	r.stats.LastTick = &now
}

func (r *Reconciler) recordError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
}

func (r *Reconciler) addFound() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.PaymentsFound++
}

func (r *Reconciler) addConfirmed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.PaymentsConfirmed++
}

func (r *Reconciler) addExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.InvoicesExpired++
}
