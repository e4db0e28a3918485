package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     any
	expiresAt time.Time
}

// TTLCache is a concurrent-safe in-memory key-value store whose entries expire
// after a fixed time-to-live. A zero TTL keeps entries until deleted.
type TTLCache struct {
	mu    sync.RWMutex
	ttl   time.Duration
	items map[string]entry
	now   func() time.Time
}

// NewTTLCache creates a cache whose entries live for ttl.
func NewTTLCache(ttl time.Duration) *TTLCache {
	return &TTLCache{
		ttl:   ttl,
		items: make(map[string]entry),
		now:   time.Now,
	}
}

// Get returns the value for key and whether it was present and unexpired.
func (c *TTLCache) Get(key string) (any, bool) {
	c.mu.RLock()
	item, found := c.items[key]
	c.mu.RUnlock()

	if !found {
		return nil, false
	}
	if !item.expiresAt.IsZero() && !c.now().Before(item.expiresAt) {
		c.Delete(key)
		return nil, false
	}
	return item.value, true
}

// Set adds or replaces a value, restarting its TTL.
func (c *TTLCache) Set(key string, value any) {
	e := entry{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}

	c.mu.Lock()
	c.items[key] = e
	c.mu.Unlock()
}

// Delete removes a value from the cache.
func (c *TTLCache) Delete(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Len reports the number of stored entries, expired ones included until they are touched.
func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
