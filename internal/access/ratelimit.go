// Package access enforces per-request authorization and rate limiting:
// API-key validation, timing-safe admin token checks, and fixed-window
// request counting per identity and per route.
package access

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter is a fixed-window request counter keyed by identity. The window
// resets at a fixed boundary rather than sliding, so a client can burst up to
// twice the configured limit across a boundary; that tradeoff buys O(1)
// memory and work per identity.
type Limiter struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	count   int
	resetAt time.Time
}

// Decision is the outcome of one rate check.
type Decision struct {
	OK        bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfterSeconds is the Retry-After header value for a denial, never below 1.
func (d Decision) RetryAfterSeconds(now time.Time) int {
	secs := int(math.Ceil(d.ResetAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func NewLimiter(window time.Duration) *Limiter {
	return &Limiter{
		window:  window,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

// Check counts one request against id's current window. Increment-or-create
// is atomic per key so concurrent requests from one identity cannot slip past
// the limit.
func (l *Limiter) Check(id string, limit int) Decision {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[id]
	if !ok || now.After(b.resetAt) {
		b = &bucket{count: 1, resetAt: now.Add(l.window)}
		l.buckets[id] = b
		return Decision{OK: true, Remaining: limit - 1, ResetAt: b.resetAt}
	}
	if b.count >= limit {
		return Decision{OK: false, Remaining: 0, ResetAt: b.resetAt}
	}
	b.count++
	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{OK: true, Remaining: remaining, ResetAt: b.resetAt}
}

// Sweep drops buckets whose window has passed. Garbage collection only; Check
// resets expired buckets on its own.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, id)
		}
	}
}

// StartJanitor sweeps expired buckets periodically until ctx is done.
func (l *Limiter) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Sweep()
			}
		}
	}()
}
