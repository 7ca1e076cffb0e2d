package chain

import (
	"context"
	"sync"
	"time"
)

// rateLimiter enforces a per-provider request ceiling over a sliding window.
// Callers block in wait until a slot frees up, so a burst of invoices never
// turns into a burst of provider calls.
type rateLimiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	clock    Clock
	stamps   []time.Time
}

func newRateLimiter(maxCalls int, window time.Duration, clock Clock) *rateLimiter {
	return &rateLimiter{
		maxCalls: maxCalls,
		window:   window,
		clock:    clock,
	}
}

// wait blocks until a request slot is available or the context is done.
func (l *rateLimiter) wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := l.clock.Now()
		l.evict(now)

		if len(l.stamps) < l.maxCalls {
			l.stamps = append(l.stamps, now)
			l.mu.Unlock()
			return nil
		}

		// Oldest stamp leaving the window frees the next slot.
		delay := l.window - now.Sub(l.stamps[0])
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(delay):
		}
	}
}

func (l *rateLimiter) evict(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.stamps[:0]
	for _, stamp := range l.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	l.stamps = kept
}
