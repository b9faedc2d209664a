// Package cache provides the TTL'd lookup cache for upstream metadata
// (group info, member info, stranger info). Concurrent misses on the same
// key may issue duplicate upstream lookups; that is acceptable because the
// lookups are idempotent and bounded by the dispatch rate limiter.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is how long a cached info record stays fresh.
const DefaultTTL = 10 * time.Minute

// Key identifies one cached record: kind plus up to two ids (member info
// is keyed by group and user).
type Key struct {
	Kind string
	ID   int64
	Sub  int64
}

type entry struct {
	value   any
	expires time.Time
}

// Cache is a mutex-guarded TTL map. All access goes through Get/Set.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[Key]entry
	now     func() time.Time
}

// New creates a cache with the given TTL; ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[Key]entry),
		now:     time.Now,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *Cache) Get(key Key) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key with the cache TTL.
func (c *Cache) Set(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{value: value, expires: c.now().Add(c.ttl)}
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
