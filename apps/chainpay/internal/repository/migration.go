package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id BIGSERIAL PRIMARY KEY,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS invoices (
			invoice_id UUID PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders (order_id),
			chain VARCHAR(10) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			address VARCHAR(100) NOT NULL,
			expected_amount DECIMAL(38,18) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			expires_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (address)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_chain_status ON invoices (chain, status)`,
		`CREATE INDEX IF NOT EXISTS idx_invoices_status_expires ON invoices (status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS payments (
			payment_id BIGSERIAL PRIMARY KEY,
			order_id BIGINT NOT NULL REFERENCES orders (order_id),
			tx_hash VARCHAR(100) NOT NULL,
			amount DECIMAL(38,18) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			confirmations BIGINT NOT NULL DEFAULT 0,
			verified_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			UNIQUE (tx_hash)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_order ON payments (order_id)`,
		`CREATE TABLE IF NOT EXISTS processed_webhooks (
			webhook_id VARCHAR(200) PRIMARY KEY,
			source VARCHAR(30) NOT NULL,
			tx_hash VARCHAR(100) NOT NULL,
			payload JSONB,
			processed_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_webhooks_tx_hash ON processed_webhooks (tx_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_processed_webhooks_processed_at ON processed_webhooks (processed_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	return nil
}
