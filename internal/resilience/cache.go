package resilience

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a bounded LRU whose entries expire after a fixed TTL. It is safe
// for concurrent use. Concurrent misses on the same key may fetch
// redundantly; callers accept that in exchange for never serializing
// provider traffic behind a lock.
type Cache[K comparable, V any] struct {
	lru *expirable.LRU[K, V]
}

// NewCache builds a cache holding at most capacity entries for at most ttl.
// A capacity of 0 disables the size bound; a ttl of 0 disables expiry.
func NewCache[K comparable, V any](capacity int, ttl time.Duration) *Cache[K, V] {
	return &Cache[K, V]{lru: expirable.NewLRU[K, V](capacity, nil, ttl)}
}

// Get returns the cached value for key, if present and unexpired.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.lru.Get(key)
}

// Add stores value under key, evicting the oldest entry if full.
func (c *Cache[K, V]) Add(key K, value V) {
	c.lru.Add(key, value)
}

// Remove drops key from the cache.
func (c *Cache[K, V]) Remove(key K) {
	c.lru.Remove(key)
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int { return c.lru.Len() }

// GetOrFetch returns the cached value for key, calling fetch on a miss and
// caching the result. Fetch errors are returned without caching anything.
func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(ctx context.Context) (V, error)) (V, error) {
	if v, ok := c.lru.Get(key); ok {
		return v, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero V
		return zero, err
	}
	c.lru.Add(key, v)
	return v, nil
}
