package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

const paymentColumns = `payment_id, order_id, tx_hash, amount, currency, status, confirmations, verified_at, created_at`

func scanPayment(row *sql.Row) (*model.Payment, error) {
	var payment model.Payment
	err := row.Scan(&payment.ID, &payment.OrderID, &payment.TxHash, &payment.Amount,
		&payment.Currency, &payment.Status, &payment.Confirmations, &payment.VerifiedAt, &payment.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan payment: %w", err)
	}
	return &payment, nil
}

// GetPaymentByTxHash returns the payment row for a transaction hash, or nil.
// The tx_hash unique constraint guarantees at most one row.
func (r *Queries) GetPaymentByTxHash(txHash string) (*model.Payment, error) {
	row := r.q.QueryRow(`
		SELECT `+paymentColumns+`
		FROM payments
		WHERE tx_hash = $1
	`, txHash)

	return scanPayment(row)
}

func (r *Queries) GetPaymentsByOrderID(orderID int64) ([]model.Payment, error) {
	rows, err := r.q.Query(`
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC
	`, orderID)

	if err != nil {
		return nil, fmt.Errorf("failed to get payments by order: %w", err)
	}
	defer rows.Close()

	var payments []model.Payment
	for rows.Next() {
		var payment model.Payment
		if err := rows.Scan(&payment.ID, &payment.OrderID, &payment.TxHash, &payment.Amount,
			&payment.Currency, &payment.Status, &payment.Confirmations, &payment.VerifiedAt, &payment.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, payment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payment rows: %w", err)
	}
	return payments, nil
}

func (r *Queries) CreatePayment(payment model.Payment) (int64, error) {
	var paymentID int64
	err := r.q.QueryRow(`
		INSERT INTO payments (order_id, tx_hash, amount, currency, status, confirmations)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING payment_id
	`, payment.OrderID, payment.TxHash, payment.Amount, payment.Currency,
		payment.Status, payment.Confirmations).Scan(&paymentID)

	if err != nil {
		return 0, fmt.Errorf("failed to create payment: %w", err)
	}

	r.logger.Info("Created payment",
		zap.Int64("payment_id", paymentID),
		zap.Int64("order_id", payment.OrderID),
		zap.String("tx_hash", payment.TxHash),
		zap.String("status", payment.Status))
	return paymentID, nil
}

func (r *Queries) UpdatePaymentStatus(paymentID int64, status string, confirmations int64) error {
	_, err := r.q.Exec(`
		UPDATE payments
		SET status = $1, confirmations = $2, verified_at = NOW()
		WHERE payment_id = $3
	`, status, confirmations, paymentID)

	if err != nil {
		return fmt.Errorf("failed to update payment status: %w", err)
	}

	r.logger.Info("Updated payment status",
		zap.Int64("payment_id", paymentID),
		zap.String("status", status),
		zap.Int64("confirmations", confirmations))
	return nil
}
