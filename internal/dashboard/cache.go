package dashboard

import (
	"sync"
	"time"
)

// DefaultTTL is how long a cached summary stays fresh.
const DefaultTTL = 60 * time.Second

// Cache holds per-user dashboard summaries. Entries expire after TTL and
// are never invalidated by writes, so a summary can lag the store by up to
// one TTL. Get and Set copy the summary both ways, so callers can mutate
// what they hold without corrupting the cache.
type Cache struct {
	TTL time.Duration
	Now func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	summary   Summary
	expiresAt time.Time
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{TTL: ttl, Now: now, entries: map[string]cacheEntry{}}
}

func (c *Cache) Get(userID string) (Summary, bool) {
	c.mu.RLock()
	e, ok := c.entries[userID]
	c.mu.RUnlock()
	if !ok || c.Now().After(e.expiresAt) {
		return Summary{}, false
	}
	return e.summary.clone(), true
}

func (c *Cache) Set(userID string, s Summary) {
	c.mu.Lock()
	c.entries[userID] = cacheEntry{summary: s.clone(), expiresAt: c.Now().Add(c.TTL)}
	c.mu.Unlock()
}

// Clear drops every cached entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = map[string]cacheEntry{}
	c.mu.Unlock()
}
