// Package cache provides a small time-based cache for API snapshot
// responses. Statistics and inspection endpoints are polled by
// dashboards; serving a slightly stale snapshot keeps repeated polls
// from hammering the engine's locks.
package cache

import (
	"sync"
	"time"
)

// TTLCache stores key-value pairs behind a single freshness window.
// One timestamp covers the whole cache: any Set refreshes it, and once
// the TTL elapses every entry is stale.
type TTLCache[K comparable, V any] struct {
	mu        sync.RWMutex
	data      map[K]V
	timestamp time.Time
	ttl       time.Duration
}

// New creates an empty TTLCache. The zero timestamp means it starts
// expired.
func New[K comparable, V any](ttl time.Duration) *TTLCache[K, V] {
	return &TTLCache[K, V]{
		data: make(map[K]V),
		ttl:  ttl,
	}
}

// Get returns the cached value for key if present and fresh.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.expiredLocked() {
		var zero V
		return zero, false
	}

	value, ok := c.data[key]
	return value, ok
}

// Set stores a value and refreshes the cache's freshness window.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.data == nil {
		c.data = make(map[K]V)
	}
	c.data[key] = value
	c.timestamp = time.Now()
}

// IsExpired reports whether the cache's freshness window has passed.
func (c *TTLCache[K, V]) IsExpired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.expiredLocked()
}

func (c *TTLCache[K, V]) expiredLocked() bool {
	return c.timestamp.IsZero() || time.Since(c.timestamp) >= c.ttl
}

// Invalidate drops all entries and marks the cache expired.
func (c *TTLCache[K, V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[K]V)
	c.timestamp = time.Time{}
}

// Len returns the entry count, fresh or not.
func (c *TTLCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
