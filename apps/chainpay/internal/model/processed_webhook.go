package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessedWebhook is one entry in the idempotency ledger. Rows are insert-once
// and append-only: the raw payload is retained for forensics and old rows are
// garbage-collected by a retention job.
type ProcessedWebhook struct {
	WebhookID   string          `db:"webhook_id"`
	Source      string          `db:"source"`
	TxHash      string          `db:"tx_hash"`
	Payload     json.RawMessage `db:"payload"`
	ProcessedAt time.Time       `db:"processed_at"`
}

// WebhookID builds the idempotency key for a notification. The same
// transaction reported at a different confirmation count is a distinct,
// legitimate event; an identical (hash, confirmations) pair is a replay.
func WebhookID(source, txHash string, confirmations int64) string {
	return fmt.Sprintf("%s_%s_%d", source, txHash, confirmations)
}
