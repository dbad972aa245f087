package ratelimit

import (
	"sync"
	"time"
)

// CounterStore is the counting mechanism a resolved limit is applied
// against. CheckAndIncrement must be atomic per bucket: two concurrent calls
// against a bucket with one slot left must not both be allowed.
type CounterStore interface {
	CheckAndIncrement(bucket string, limit int64, window time.Duration) (allowed bool, remaining int64)
}

// Counter is an in-process fixed-window CounterStore. Buckets reset when
// their window elapses; expired buckets are pruned opportunistically so the
// map does not grow with identifier cardinality.
type Counter struct {
	mu      sync.Mutex
	buckets map[string]*window
	now     func() time.Time // test seam
}

type window struct {
	start time.Time
	dur   time.Duration
	count int64
}

// NewCounter creates an empty counter store.
func NewCounter() *Counter {
	return &Counter{
		buckets: make(map[string]*window),
		now:     time.Now,
	}
}

// CheckAndIncrement counts a request against the bucket. It returns whether
// the request is within the limit and how many requests remain in the
// current window. A rejected request does not consume a slot.
func (c *Counter) CheckAndIncrement(bucket string, limit int64, windowDur time.Duration) (bool, int64) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.buckets[bucket]
	if !ok || now.Sub(w.start) >= windowDur {
		w = &window{start: now, dur: windowDur}
		c.buckets[bucket] = w
	}

	if w.count >= limit {
		return false, 0
	}
	w.count++

	c.pruneLocked(now)
	return true, limit - w.count
}

// pruneLocked drops a handful of expired buckets per call. Amortized over
// the request stream this keeps the map bounded without a sweeper goroutine.
func (c *Counter) pruneLocked(now time.Time) {
	const maxScan = 8
	scanned := 0
	for k, w := range c.buckets {
		if scanned >= maxScan {
			return
		}
		scanned++
		if now.Sub(w.start) >= w.dur {
			delete(c.buckets, k)
		}
	}
}
