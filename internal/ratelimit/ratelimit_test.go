package ratelimit

import (
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllow(t *testing.T) {
	t.Run("burst then throttled", func(t *testing.T) {
		l := New(rate.Limit(0.0001), 2)
		if !l.Allow("a") || !l.Allow("a") {
			t.Fatal("burst requests denied")
		}
		if l.Allow("a") {
			t.Error("request beyond burst allowed")
		}
	})

	t.Run("keys are independent", func(t *testing.T) {
		l := New(rate.Limit(0.0001), 1)
		if !l.Allow("a") {
			t.Fatal("first request for a denied")
		}
		if !l.Allow("b") {
			t.Error("exhausting a's bucket throttled b")
		}
	})
}

func TestSweep(t *testing.T) {
	l := New(rate.Limit(1), 1)
	l.Allow("stale")

	l.mu.Lock()
	l.entries["stale"].lastSeen = time.Now().Add(-time.Hour)
	l.mu.Unlock()

	l.sweep(10 * time.Minute)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entries["stale"]; ok {
		t.Error("stale limiter survived the sweep")
	}
}
