package repository

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"chainpay/apps/chainpay/internal/model"
)

// IsWebhookProcessed checks the idempotency ledger for an existing key. This
// is a cheap pre-check; the authoritative claim is the insert inside the
// processing transaction.
func (r *Queries) IsWebhookProcessed(webhookID string) (bool, error) {
	var exists int
	err := r.q.QueryRow(`
		SELECT 1 FROM processed_webhooks
		WHERE webhook_id = $1
		LIMIT 1
	`, webhookID).Scan(&exists)

	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check processed webhook: %w", err)
	}

	return true, nil
}

// InsertProcessedWebhook claims an idempotency key and stores the raw payload
// for forensics. Returns ErrDuplicateWebhook if the key is already claimed.
func (r *Queries) InsertProcessedWebhook(w model.ProcessedWebhook) error {
	_, err := r.q.Exec(`
		INSERT INTO processed_webhooks (webhook_id, source, tx_hash, payload)
		VALUES ($1, $2, $3, $4)
	`, w.WebhookID, w.Source, w.TxHash, []byte(w.Payload))

	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateWebhook
		}
		return fmt.Errorf("failed to insert processed webhook: %w", err)
	}

	return nil
}

// DeleteProcessedBefore removes ledger entries older than the cutoff. Driven
// by the retention job, not by the ingestion path.
func (r *Queries) DeleteProcessedBefore(cutoff time.Time) (int64, error) {
	result, err := r.q.Exec(`
		DELETE FROM processed_webhooks WHERE processed_at < $1
	`, cutoff)

	if err != nil {
		return 0, fmt.Errorf("failed to delete old processed webhooks: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted webhooks: %w", err)
	}

	if deleted > 0 {
		r.logger.Info("Deleted old processed webhooks", zap.Int64("deleted", deleted))
	}
	return deleted, nil
}
