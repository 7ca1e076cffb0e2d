package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

// ErrDuplicateWebhook is returned when an idempotency key already exists in
// the processed_webhooks table. Two concurrent deliveries of the same
// (hash, confirmations) pair race to insert; the loser observes this error
// and must treat the notification as already processed.
var ErrDuplicateWebhook = errors.New("webhook already processed")

// querier is satisfied by both *sql.DB and *sql.Tx, so the same query methods
// run against the pool or inside a transaction.
type querier interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

// Tx is the set of mutations available inside one atomic transaction scope.
// Everything a webhook delivery or a reconciler unit touches (idempotency
// claim, payment upsert, invoice/order transition) goes through a single Tx
// so that a crash can never apply a partial update.
type Tx interface {
	InsertProcessedWebhook(w model.ProcessedWebhook) error
	GetInvoiceByAddress(address string) (*model.Invoice, error)
	GetPaymentByTxHash(txHash string) (*model.Payment, error)
	CreatePayment(p model.Payment) (int64, error)
	UpdatePaymentStatus(paymentID int64, status string, confirmations int64) error
	UpdateInvoiceStatus(invoiceID, status string) error
	UpdateOrderStatus(orderID int64, status string) error
}

// Queries implements Tx against any querier.
type Queries struct {
	q      querier
	logger *zap.Logger
}

// Store wraps the connection pool. Reads outside a transaction go through the
// embedded Queries; mutations go through WithinTx.
type Store struct {
	Queries
	db *sql.DB
}

func NewStore(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{
		Queries: Queries{q: db, logger: logger},
		db:      db,
	}
}

// WithinTx runs fn inside a database transaction. Any error from fn rolls the
// whole transaction back, including an idempotency claim inserted earlier in
// the same scope, so a corrected retry is treated as fresh rather than
// swallowed as a replay.
func (s *Store) WithinTx(fn func(Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	q := &Queries{q: tx, logger: s.logger}

	if err := fn(q); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505), the durable conflict signal behind the
// idempotency ledger.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// IsDuplicate reports whether err came from a unique constraint, so callers
// can map address or hash collisions to a conflict response.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateWebhook) || isUniqueViolation(err)
}
