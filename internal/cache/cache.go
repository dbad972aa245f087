// Package cache provides the read-through cache the verification path uses
// in front of the store. It is a best-effort, bounded-staleness layer: a key
// disabled moments ago may still verify until its entry expires, which is
// the latency/consistency trade the system accepts.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Loader fetches the value from the source of truth on a miss. found=false
// is a legitimate answer and is cached too (negative caching), so repeated
// lookups of nonexistent keys do not hammer the store.
type Loader[T any] func(ctx context.Context) (value T, found bool, err error)

type entry[T any] struct {
	value     T
	found     bool
	expiresAt time.Time
}

// Cache is a generic read-through TTL cache. Concurrent loads of the same
// key are collapsed into a single store round-trip.
type Cache[T any] struct {
	ttl    time.Duration
	negTTL time.Duration

	mu      sync.RWMutex
	entries map[string]entry[T]
	group   singleflight.Group
	now     func() time.Time // test seam
}

// New creates a cache. Negative entries live for negTTL, which is expected
// to be shorter than ttl so a just-created key becomes visible quickly.
func New[T any](ttl, negTTL time.Duration) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		negTTL:  negTTL,
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

type loadResult[T any] struct {
	value T
	found bool
}

// GetOrLoad returns the cached value for key, calling loader on a miss and
// populating the cache with the result. A loader error is returned as-is and
// nothing is cached, so a flaky store does not poison the cache.
func (c *Cache[T]) GetOrLoad(ctx context.Context, key string, loader Loader[T]) (T, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		return e.value, e.found, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated the
		// entry between our read and joining the group.
		c.mu.RLock()
		e, ok := c.entries[key]
		c.mu.RUnlock()
		if ok && c.now().Before(e.expiresAt) {
			return loadResult[T]{value: e.value, found: e.found}, nil
		}

		value, found, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.set(key, value, found)
		return loadResult[T]{value: value, found: found}, nil
	})
	if err != nil {
		var zero T
		return zero, false, err
	}

	r := v.(loadResult[T])
	return r.value, r.found, nil
}

// Invalidate drops the entry for key. Mutating paths call this so their own
// subsequent reads see fresh state immediately.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[T]) set(key string, value T, found bool) {
	ttl := c.ttl
	if !found {
		ttl = c.negTTL
	}
	c.mu.Lock()
	c.entries[key] = entry[T]{value: value, found: found, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}
