package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWebhookIDFormat(t *testing.T) {
	id := WebhookID("blockcypher", "f854aeba", 3)
	assert.Equal(t, "blockcypher_f854aeba_3", id)

	// Each confirmation count is a distinct idempotency key.
	assert.NotEqual(t, WebhookID("blockcypher", "f854aeba", 1), WebhookID("blockcypher", "f854aeba", 3))

	// Same transaction seen by different sources stays distinct.
	assert.NotEqual(t, WebhookID("blockcypher", "f854aeba", 3), WebhookID("reconciler", "f854aeba", 3))
}
