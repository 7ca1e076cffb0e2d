package repository

import (
	"fmt"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

func (r *Queries) GetOrderByID(orderID int64) (*model.Order, error) {
	var order model.Order
	err := r.q.QueryRow(`
		SELECT order_id, status FROM orders WHERE order_id = $1
	`, orderID).Scan(&order.ID, &order.Status)

	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

func (r *Queries) UpdateOrderStatus(orderID int64, status string) error {
	_, err := r.q.Exec(`
		UPDATE orders SET status = $1, updated_at = NOW() WHERE order_id = $2
	`, status, orderID)

	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}

	r.logger.Info("Updated order status",
		zap.Int64("order_id", orderID),
		zap.String("status", status))
	return nil
}
