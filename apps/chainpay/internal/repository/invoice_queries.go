package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

const invoiceColumns = `invoice_id, order_id, chain, currency, address, expected_amount, status, expires_at, created_at`

func scanInvoice(row *sql.Row) (*model.Invoice, error) {
	var invoice model.Invoice
	err := row.Scan(&invoice.ID, &invoice.OrderID, &invoice.Chain, &invoice.Currency,
		&invoice.Address, &invoice.ExpectedAmount, &invoice.Status, &invoice.ExpiresAt, &invoice.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return &invoice, nil
}

func (r *Queries) CreateInvoice(invoice model.Invoice) error {
	_, err := r.q.Exec(`
		INSERT INTO invoices (invoice_id, order_id, chain, currency, address, expected_amount, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, invoice.ID, invoice.OrderID, invoice.Chain, invoice.Currency, invoice.Address,
		invoice.ExpectedAmount, invoice.Status, invoice.ExpiresAt)

	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}

	r.logger.Info("Created invoice",
		zap.String("invoice_id", invoice.ID),
		zap.Int64("order_id", invoice.OrderID),
		zap.String("chain", invoice.Chain),
		zap.String("address", invoice.Address))
	return nil
}

// GetInvoiceByAddress resolves the invoice whose payment address matches a
// transaction output. The address is globally unique, so at most one row
// matches.
func (r *Queries) GetInvoiceByAddress(address string) (*model.Invoice, error) {
	row := r.q.QueryRow(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE address = $1
	`, address)

	return scanInvoice(row)
}

func (r *Queries) GetInvoiceByOrderID(orderID int64) (*model.Invoice, error) {
	row := r.q.QueryRow(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE order_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, orderID)

	return scanInvoice(row)
}

// GetPendingInvoicesByChains loads pending invoices for the given chains in a
// bounded batch, oldest first so no invoice is starved. Paging is keyset-based
// on created_at: rows confirmed mid-sweep shrink the pending set, which would
// make offset paging skip the invoices that shifted into the hole.
func (r *Queries) GetPendingInvoicesByChains(chains []string, limit int, after time.Time) ([]model.Invoice, error) {
	rows, err := r.q.Query(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'pending' AND chain = ANY($1) AND created_at > $2
		ORDER BY created_at ASC
		LIMIT $3
	`, pq.Array(chains), after, limit)

	if err != nil {
		return nil, fmt.Errorf("failed to get pending invoices: %w", err)
	}
	defer rows.Close()

	return collectInvoices(rows)
}

// GetExpiredInvoices returns pending invoices past their expiry timestamp.
// Still-pending status implies no confirmed payment arrived.
func (r *Queries) GetExpiredInvoices(now time.Time) ([]model.Invoice, error) {
	rows, err := r.q.Query(`
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE status = 'pending' AND expires_at < $1
	`, now)

	if err != nil {
		return nil, fmt.Errorf("failed to get expired invoices: %w", err)
	}
	defer rows.Close()

	return collectInvoices(rows)
}

func (r *Queries) UpdateInvoiceStatus(invoiceID, status string) error {
	_, err := r.q.Exec(`
		UPDATE invoices SET status = $1 WHERE invoice_id = $2
	`, status, invoiceID)

	if err != nil {
		return fmt.Errorf("failed to update invoice status: %w", err)
	}

	r.logger.Info("Updated invoice status",
		zap.String("invoice_id", invoiceID),
		zap.String("status", status))
	return nil
}

func collectInvoices(rows *sql.Rows) ([]model.Invoice, error) {
	var invoices []model.Invoice
	for rows.Next() {
		var invoice model.Invoice
		if err := rows.Scan(&invoice.ID, &invoice.OrderID, &invoice.Chain, &invoice.Currency,
			&invoice.Address, &invoice.ExpectedAmount, &invoice.Status, &invoice.ExpiresAt, &invoice.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice row: %w", err)
		}
		invoices = append(invoices, invoice)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate invoice rows: %w", err)
	}
	return invoices, nil
}
