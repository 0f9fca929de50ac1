// Package ratelimit throttles outbound sends per instance so one noisy
// tenant cannot starve the adapter layer: a map of token-bucket
// limiters keyed by instance id, with last-seen tracking so stale
// entries are reclaimed.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out one token-bucket limiter per key.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry
	limit   rate.Limit
	burst   int
}

// New creates a Limiter allowing limit events/sec with the given burst.
func New(limit rate.Limit, burst int) *Limiter {
	return &Limiter{
		entries: make(map[string]*entry),
		limit:   limit,
		burst:   burst,
	}
}

// Allow reports whether key may proceed right now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// RunCleanup drops limiters idle longer than maxIdle, checking every
// interval, until ctx is cancelled.
func (l *Limiter) RunCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep(maxIdle)
		}
	}
}

func (l *Limiter) sweep(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}
