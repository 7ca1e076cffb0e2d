package verifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/chain"
	"chainpay/apps/chainpay/internal/model"
)

// Rejection reasons reported to clients. A rejection is a definitive answer
// about the transaction, unlike a provider error which says nothing.
const (
	ReasonTxNotFound      = "tx_not_found"
	ReasonAddressMismatch = "address_mismatch"
	ReasonAmountMismatch  = "amount_mismatch"
	ReasonTxFailed        = "tx_failed"
	ReasonDoubleSpend     = "double_spend"
)

const defaultThreshold = 3

// relative amount tolerance, covers provider rounding and fee-on-transfer
// dust without accepting underpayment.
var amountTolerance = decimal.NewFromFloat(0.01)

// Result is the outcome of verifying one transaction against an invoice.
// Verified false with a Reason means the chain definitively rejected the
// payment claim.
type Result struct {
	Verified      bool
	Confirmations int64
	Amount        decimal.Decimal
	Status        string
	Reason        string
	Message       string
}

type route struct {
	chain    string
	currency string
}

// Dispatcher routes verification requests to the adapter registered for a
// (chain, currency) pair. Currency alone is ambiguous, USDT settles on both
// Ethereum and Tron.
type Dispatcher struct {
	adapters   map[route]chain.Adapter
	thresholds map[string]int64
	logger     *zap.Logger
}

func NewDispatcher(thresholds map[string]int64, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		adapters:   make(map[route]chain.Adapter),
		thresholds: thresholds,
		logger:     logger,
	}
}

func (d *Dispatcher) Register(chainName, currency string, adapter chain.Adapter) {
	d.adapters[route{chain: chainName, currency: currency}] = adapter
}

// Lister returns the transfer-discovery view of a registered adapter, if it
// has one.
func (d *Dispatcher) Lister(chainName, currency string) (chain.TransferLister, bool) {
	adapter, ok := d.adapters[route{chain: chainName, currency: currency}]
	if !ok {
		return nil, false
	}
	lister, ok := adapter.(chain.TransferLister)
	return lister, ok
}

func (d *Dispatcher) Threshold(chainName string) int64 {
	if threshold, ok := d.thresholds[chainName]; ok {
		return threshold
	}
	return defaultThreshold
}

// Classify maps a confirmation count to a payment status for the chain.
func (d *Dispatcher) Classify(chainName string, confirmations int64) string {
	if confirmations >= d.Threshold(chainName) {
		return model.PaymentStatusConfirmed
	}
	return model.PaymentStatusPending
}

// WithinTolerance reports whether actual is within the relative tolerance of
// expected.
func (d *Dispatcher) WithinTolerance(expected, actual decimal.Decimal) bool {
	if expected.IsZero() {
		return actual.IsZero()
	}
	diff := actual.Sub(expected).Abs()
	return diff.LessThanOrEqual(expected.Mul(amountTolerance))
}

// Verify fetches the transaction and checks it against the invoice terms.
// The returned error is reserved for provider failures; a chain-level
// rejection comes back as a Result with Verified false.
func (d *Dispatcher) Verify(ctx context.Context, chainName, currency, txHash, address string, expected decimal.Decimal) (Result, error) {
	adapter, ok := d.adapters[route{chain: chainName, currency: currency}]
	if !ok {
		return Result{}, fmt.Errorf("no adapter registered for %s/%s", chainName, currency)
	}

	record, err := adapter.FetchTransaction(ctx, txHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			return rejection(ReasonTxNotFound, "Transaction not found on chain"), nil
		}
		return Result{}, err
	}

	if record.DoubleSpend {
		return rejection(ReasonDoubleSpend, "Transaction is flagged as a double spend"), nil
	}
	if record.Failed {
		return rejection(ReasonTxFailed, "Transaction execution failed on chain"), nil
	}

	transfer, found := matchTransfer(record.Transfers, address)
	if !found {
		d.logger.Debug("No transfer to payment address",
			zap.String("chain", chainName),
			zap.String("tx_hash", txHash),
			zap.String("address", address))
		result := rejection(ReasonAddressMismatch, "Transaction does not pay the invoice address")
		result.Confirmations = record.Confirmations
		return result, nil
	}

	if !d.WithinTolerance(expected, transfer.Amount) {
		result := rejection(ReasonAmountMismatch,
			fmt.Sprintf("Amount %s does not match expected %s", transfer.Amount.String(), expected.String()))
		result.Confirmations = record.Confirmations
		result.Amount = transfer.Amount
		return result, nil
	}

	return Result{
		Verified:      true,
		Confirmations: record.Confirmations,
		Amount:        transfer.Amount,
		Status:        d.Classify(chainName, record.Confirmations),
	}, nil
}

func rejection(reason, message string) Result {
	return Result{Reason: reason, Message: message}
}

// matchTransfer finds the transfer paying the given address, summing when a
// transaction pays the address in several outputs.
func matchTransfer(transfers []chain.Transfer, address string) (chain.Transfer, bool) {
	total := decimal.Zero
	found := false
	for _, transfer := range transfers {
		if AddressEqual(transfer.To, address) {
			total = total.Add(transfer.Amount)
			found = true
		}
	}
	if !found {
		return chain.Transfer{}, false
	}
	return chain.Transfer{To: address, Amount: total}, true
}

// AddressEqual compares addresses case-insensitively only for hex addresses;
// base58 is case-sensitive.
func AddressEqual(a, b string) bool {
	if strings.HasPrefix(a, "0x") || strings.HasPrefix(b, "0x") {
		return strings.EqualFold(a, b)
	}
	return a == b
}
