package eta

import (
	"sync"
	"time"
)

type memEntry struct {
	result    Result
	expiresAt time.Time
}

// memoryCache is the in-process cache tier. Entries carry their own expiry;
// reads check it so a stale entry is never served even between sweeps.
type memoryCache struct {
	mu      sync.RWMutex
	entries map[CacheKey]memEntry
	ttl     time.Duration

	now func() time.Time
}

func newMemoryCache(ttl time.Duration) *memoryCache {
	return &memoryCache{
		entries: make(map[CacheKey]memEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *memoryCache) get(key CacheKey) (Result, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().After(e.expiresAt) {
		return Result{}, false
	}
	return e.result, true
}

func (c *memoryCache) put(key CacheKey, r Result) {
	c.mu.Lock()
	c.entries[key] = memEntry{result: r, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

// sweep removes expired entries and returns how many were evicted.
func (c *memoryCache) sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

func (c *memoryCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
