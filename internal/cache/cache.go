// Package cache provides time-boxed response memoization with in-flight
// request coalescing, shared by every caller hitting the same feed source.
package cache

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result pairs a payload with its HTTP-equivalent status.
type Result[T any] struct {
	Payload T
	Status  int
}

// Cache memoizes successful producer results per key for a TTL and collapses
// concurrent misses into a single producer invocation. A failed result is
// handed to the waiters of that flight but never stored, so the previous
// entry survives (stale-if-error) and the next caller retries as soon as the
// flight clears.
type Cache[T any] struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]entry[T]
	group   singleflight.Group
}

type entry[T any] struct {
	payload T
	status  int
	at      time.Time
}

func New[T any](ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]entry[T]{},
	}
}

// Get returns a fresh cached result for key, or runs produce exactly once
// across all concurrent callers and shares its outcome. At most one producer
// invocation is outstanding per key at any instant, bounding upstream load
// regardless of client concurrency.
func (c *Cache[T]) Get(key string, produce func() (T, int)) (T, int) {
	if p, s, ok := c.fresh(key); ok {
		return p, s
	}
	v, _, _ := c.group.Do(key, func() (any, error) {
		// A flight that finished between the miss above and joining here may
		// already have populated the entry.
		if p, s, ok := c.fresh(key); ok {
			return Result[T]{Payload: p, Status: s}, nil
		}
		p, s := produce()
		if s == http.StatusOK {
			c.mu.Lock()
			c.entries[key] = entry[T]{payload: p, status: s, at: c.now()}
			c.mu.Unlock()
		}
		return Result[T]{Payload: p, Status: s}, nil
	})
	r := v.(Result[T])
	return r.Payload, r.Status
}

func (c *Cache[T]) fresh(key string) (T, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.at) >= c.ttl {
		var zero T
		return zero, 0, false
	}
	return e.payload, e.status, true
}
