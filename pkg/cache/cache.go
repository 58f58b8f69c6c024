// Package cache provides a small capacity-bounded TTL cache with
// least-recently-accessed eviction. The router's fingerprint and novelty
// caches are built on it; both are advisory, so eviction or expiry may cost
// recomputation but never correctness.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value          V
	size           int64
	expiresAt      time.Time
	lastAccessedAt time.Time
}

// LRU is a mutex-guarded map cache. When full, Set evicts expired entries
// first and otherwise the live entry with the oldest access time. Get on an
// expired entry deletes it and reports a miss. A caller-supplied size
// estimator feeds an O(1) running byte total.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	sizeOf   func(V) int64

	entries   map[string]*entry[V]
	totalSize int64
	hits      uint64
	misses    uint64
}

// Option configures an LRU.
type Option[V any] func(*LRU[V])

// WithClock injects the time source, for tests.
func WithClock[V any](now func() time.Time) Option[V] {
	return func(c *LRU[V]) { c.now = now }
}

// WithSizeOf installs the estimator behind TotalSize.
func WithSizeOf[V any](f func(V) int64) Option[V] {
	return func(c *LRU[V]) { c.sizeOf = f }
}

// New returns an LRU holding at most capacity entries, each live for ttl
// after its last Set.
func New[V any](capacity int, ttl time.Duration, opts ...Option[V]) *LRU[V] {
	if capacity < 1 {
		capacity = 1
	}
	c := &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		now:      time.Now,
		sizeOf:   func(V) int64 { return 0 },
		entries:  make(map[string]*entry[V], capacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the live value for key. Expired entries are removed on the
// spot and count as misses.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, false
	}
	now := c.now()
	if !e.expiresAt.After(now) {
		c.remove(key, e)
		c.misses++
		return zero, false
	}
	e.lastAccessedAt = now
	c.hits++
	return e.value, true
}

// Set stores value under key, evicting if the cache is full. Overwriting
// an existing key refreshes its TTL and access time.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok {
		c.totalSize += c.sizeOf(value) - e.size
		e.value = value
		e.size = c.sizeOf(value)
		e.expiresAt = now.Add(c.ttl)
		e.lastAccessedAt = now
		return
	}
	if len(c.entries) >= c.capacity {
		c.evict(now)
	}
	size := c.sizeOf(value)
	c.entries[key] = &entry[V]{
		value:          value,
		size:           size,
		expiresAt:      now.Add(c.ttl),
		lastAccessedAt: now,
	}
	c.totalSize += size
}

// Delete removes key if present.
func (c *LRU[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.remove(key, e)
	}
}

// Len counts live (unexpired) entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, e := range c.entries {
		if e.expiresAt.After(now) {
			n++
		}
	}
	return n
}

// TotalSize is the running byte total per the size estimator. Expired but
// not-yet-collected entries still count until touched.
func (c *LRU[V]) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSize
}

// Stats returns the hit and miss counters.
func (c *LRU[V]) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Range calls f for each live entry until f returns false. f must not call
// back into the cache.
func (c *LRU[V]) Range(f func(key string, value V) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			continue
		}
		if !f(k, e.value) {
			return
		}
	}
}

// evict frees one slot: every expired entry goes first; if none were
// expired, the live entry with the oldest access time goes.
func (c *LRU[V]) evict(now time.Time) {
	freed := false
	for k, e := range c.entries {
		if !e.expiresAt.After(now) {
			c.remove(k, e)
			freed = true
		}
	}
	if freed {
		return
	}
	var oldestKey string
	var oldest *entry[V]
	for k, e := range c.entries {
		if oldest == nil || e.lastAccessedAt.Before(oldest.lastAccessedAt) {
			oldestKey, oldest = k, e
		}
	}
	if oldest != nil {
		c.remove(oldestKey, oldest)
	}
}

func (c *LRU[V]) remove(key string, e *entry[V]) {
	c.totalSize -= e.size
	delete(c.entries, key)
}
