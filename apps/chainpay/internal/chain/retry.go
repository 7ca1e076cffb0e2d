package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 3
	defaultInitialDelay = 1 * time.Second
)

// httpError marks a non-2xx provider response. Client errors (4xx) are
// permanent and never retried; everything else is transient.
type httpError struct {
	status int
	url    string
	body   string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("provider returned status %d for %s: %s", e.status, e.url, e.body)
}

func (e *httpError) isClientError() bool {
	return e.status >= 400 && e.status < 500
}

// retryPolicy retries transient provider failures with exponential backoff.
// Randomization is disabled so the delay sequence is predictable.
type retryPolicy struct {
	maxAttempts  uint64
	initialDelay time.Duration
	logger       *zap.Logger
}

func newRetryPolicy(logger *zap.Logger) retryPolicy {
	return retryPolicy{
		maxAttempts:  defaultMaxAttempts,
		initialDelay: defaultInitialDelay,
		logger:       logger,
	}
}

// do runs op until it succeeds, returns a permanent error, or the attempt
// budget is spent. op must wrap unretryable errors with backoff.Permanent.
func (p retryPolicy) do(ctx context.Context, operation string, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.initialDelay
	policy.RandomizationFactor = 0
	policy.Multiplier = 2

	notify := func(err error, delay time.Duration) {
		p.logger.Warn("Provider call failed, retrying",
			zap.String("operation", operation),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return backoff.RetryNotify(op,
		backoff.WithContext(backoff.WithMaxRetries(policy, p.maxAttempts-1), ctx),
		notify)
}

// permanentIfClientError prevents retries on 4xx responses while leaving 5xx
// and transport errors retryable.
func permanentIfClientError(err error) error {
	if httpErr, ok := err.(*httpError); ok && httpErr.isClientError() {
		return backoff.Permanent(err)
	}
	return err
}
