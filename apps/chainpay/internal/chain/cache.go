package chain

import (
	"sync"
	"time"
)

const defaultCacheTTL = 60 * time.Second

// readCache deduplicates provider reads for a short window. Entries are keyed
// by (operation, identifier) so a transaction lookup and a transfer listing
// for the same hash never collide.
type readCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   Clock
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newReadCache(ttl time.Duration, clock Clock) *readCache {
	return &readCache{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(operation, identifier string) string {
	return operation + ":" + identifier
}

func (c *readCache) get(operation, identifier string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(operation, identifier)
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *readCache) set(operation, identifier string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(operation, identifier)] = cacheEntry{
		value:     value,
		expiresAt: c.clock.Now().Add(c.ttl),
	}
}
