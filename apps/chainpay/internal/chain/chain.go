package chain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrTxNotFound is returned when the provider has no record of the
// transaction hash. It is a permanent condition for a given lookup, never
// retried.
var ErrTxNotFound = errors.New("transaction not found")

// Transfer is one value movement inside a transaction, already converted from
// integer subunits to whole-coin units.
type Transfer struct {
	To     string
	Amount decimal.Decimal
}

// TxRecord holds the normalized verification facts for one transaction:
// UTXO outputs, a decoded native transfer, decoded token-transfer event logs,
// or decoded contract call data, depending on the chain family.
type TxRecord struct {
	Hash          string
	BlockHeight   int64
	Confirmations int64
	Failed        bool
	DoubleSpend   bool
	Transfers     []Transfer
}

// Adapter fetches one transaction's verification facts from an external
// read-only chain data provider. Implementations own their provider timeout,
// retry policy, rate limiting and read caching; the amount/address/status
// policy lives in the verification dispatcher.
type Adapter interface {
	FetchTransaction(ctx context.Context, txHash string) (*TxRecord, error)
}

// Candidate is a recent inbound transfer discovered for an address, used by
// the polling reconciler to pick a transaction worth verifying.
type Candidate struct {
	TxHash string
	To     string
	Amount decimal.Decimal
}

// TransferLister is implemented by adapters whose provider can list recent
// transfers to an address.
type TransferLister interface {
	RecentTransfers(ctx context.Context, address string) ([]Candidate, error)
}

// Clock abstracts time for the rate limiter and read cache so tests can run
// deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
