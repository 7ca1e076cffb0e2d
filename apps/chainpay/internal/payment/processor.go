package payment

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
	"chainpay/apps/chainpay/internal/repository"
)

// Observation is one sighting of a transaction paying an invoice, coming from
// either the webhook path or the polling reconciler.
type Observation struct {
	TxHash        string
	Amount        decimal.Decimal
	Confirmations int64
}

// Outcome reports what Apply changed. NewlyConfirmed is true only on the
// transition that settled the invoice, which is what gates the order event.
type Outcome struct {
	PaymentID      int64
	Status         string
	Confirmations  int64
	Created        bool
	NewlyConfirmed bool
}

// Processor applies observed transactions to payment, invoice and order
// state. Both ingestion paths share it so they converge on identical
// transitions.
type Processor struct {
	thresholds map[string]int64
	logger     *zap.Logger
}

func NewProcessor(thresholds map[string]int64, logger *zap.Logger) *Processor {
	return &Processor{thresholds: thresholds, logger: logger}
}

func (p *Processor) classify(chainName string, confirmations int64) string {
	threshold, ok := p.thresholds[chainName]
	if !ok {
		threshold = 3
	}
	if confirmations >= threshold {
		return model.PaymentStatusConfirmed
	}
	return model.PaymentStatusPending
}

// Apply upserts the payment row for the observed transaction and, on the
// first transition into confirmed while the invoice is still pending, settles
// the invoice and confirms the order. Must run inside the transaction that
// claimed the idempotency key, so a rollback undoes everything together.
func (p *Processor) Apply(tx repository.Tx, invoice *model.Invoice, obs Observation) (*Outcome, error) {
	existing, err := tx.GetPaymentByTxHash(obs.TxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}

	outcome := &Outcome{}

	if existing == nil {
		status := p.classify(invoice.Chain, obs.Confirmations)
		paymentID, err := tx.CreatePayment(model.Payment{
			OrderID:       invoice.OrderID,
			TxHash:        obs.TxHash,
			Amount:        obs.Amount,
			Currency:      invoice.Currency,
			Status:        status,
			Confirmations: obs.Confirmations,
		})
		if err != nil {
			return nil, err
		}
		outcome.PaymentID = paymentID
		outcome.Status = status
		outcome.Confirmations = obs.Confirmations
		outcome.Created = true
	} else {
		// Confirmations never decrease and terminal statuses never revert,
		// so a late or out-of-order notification cannot regress state.
		confirmations := obs.Confirmations
		if existing.Confirmations > confirmations {
			confirmations = existing.Confirmations
		}

		status := p.classify(invoice.Chain, confirmations)
		switch existing.Status {
		case model.PaymentStatusConfirmed:
			status = model.PaymentStatusConfirmed
		case model.PaymentStatusFailed:
			status = model.PaymentStatusFailed
		}

		if status != existing.Status || confirmations != existing.Confirmations {
			if err := tx.UpdatePaymentStatus(existing.ID, status, confirmations); err != nil {
				return nil, err
			}
		}
		outcome.PaymentID = existing.ID
		outcome.Status = status
		outcome.Confirmations = confirmations
	}

	wasConfirmed := existing != nil && existing.Status == model.PaymentStatusConfirmed
	if outcome.Status == model.PaymentStatusConfirmed && !wasConfirmed &&
		invoice.Status == model.InvoiceStatusPending {
		if err := tx.UpdateInvoiceStatus(invoice.ID, model.InvoiceStatusPaid); err != nil {
			return nil, err
		}
		if err := tx.UpdateOrderStatus(invoice.OrderID, model.OrderStatusConfirmed); err != nil {
			return nil, err
		}
		outcome.NewlyConfirmed = true

		p.logger.Info("Payment confirmed",
			zap.Int64("order_id", invoice.OrderID),
			zap.String("invoice_id", invoice.ID),
			zap.String("tx_hash", obs.TxHash),
			zap.Int64("confirmations", outcome.Confirmations))
	}

	return outcome, nil
}

// RecordFailed persists a definitively rejected verification attempt so the
// order history shows what the client submitted.
func (p *Processor) RecordFailed(tx repository.Tx, invoice *model.Invoice, txHash string, amount decimal.Decimal, confirmations int64) (int64, error) {
	existing, err := tx.GetPaymentByTxHash(txHash)
	if err != nil {
		return 0, fmt.Errorf("failed to look up payment: %w", err)
	}
	if existing != nil {
		return existing.ID, nil
	}

	return tx.CreatePayment(model.Payment{
		OrderID:       invoice.OrderID,
		TxHash:        txHash,
		Amount:        amount,
		Currency:      invoice.Currency,
		Status:        model.PaymentStatusFailed,
		Confirmations: confirmations,
	})
}
