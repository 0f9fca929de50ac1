package registry

import (
	"testing"
	"time"

	"github.com/wagateway/engine/internal/adapter"
)

func TestGetOrCreate(t *testing.T) {
	t.Run("creates fresh session in INITIALIZING", func(t *testing.T) {
		r := New()
		s := r.GetOrCreate("a")
		if s.Status != StatusInitializing {
			t.Errorf("new session status = %v, want INITIALIZING", s.Status)
		}
		if s.CreatedAt.IsZero() {
			t.Error("CreatedAt not stamped")
		}
	})

	t.Run("returns the same session on repeat calls", func(t *testing.T) {
		r := New()
		first := r.GetOrCreate("a")
		second := r.GetOrCreate("a")
		if first != second {
			t.Error("expected one SessionState per instance id")
		}
	})
}

func TestDelete(t *testing.T) {
	r := New()
	r.GetOrCreate("a")
	r.Delete("a")
	if r.Get("a") != nil {
		t.Error("session survived Delete")
	}
}

func TestCountByStatus(t *testing.T) {
	r := New()
	r.GetOrCreate("a")
	r.GetOrCreate("b")
	r.Mutate("b", func(s *SessionState) { s.Status = StatusConnected })

	counts := r.CountByStatus()
	if counts[StatusInitializing] != 1 || counts[StatusConnected] != 1 {
		t.Errorf("counts = %v, want 1 INITIALIZING and 1 CONNECTED", counts)
	}
}

func TestFilterReturnsCopies(t *testing.T) {
	r := New()
	r.GetOrCreate("a")

	out := r.Filter(func(s SessionState) bool { return true })
	if len(out) != 1 {
		t.Fatalf("filter returned %d sessions, want 1", len(out))
	}
	out[0].Status = StatusConnected

	if r.Get("a").Status == StatusConnected {
		t.Error("mutating a filter result leaked into the registry")
	}
}

func TestMutate(t *testing.T) {
	t.Run("applies the mutation", func(t *testing.T) {
		r := New()
		r.GetOrCreate("a")
		ok := r.Mutate("a", func(s *SessionState) {
			s.Status = StatusQRRequired
			s.QR = "payload"
		})
		if !ok {
			t.Fatal("Mutate returned false for a registered id")
		}
		s := r.Get("a")
		if s.Status != StatusQRRequired || s.QR != "payload" {
			t.Errorf("mutation not applied: status=%v qr=%q", s.Status, s.QR)
		}
	})

	t.Run("returns false for unknown id", func(t *testing.T) {
		r := New()
		if r.Mutate("missing", func(s *SessionState) {}) {
			t.Error("Mutate returned true for an unregistered id")
		}
	})
}

func TestTimerSetCancelAll(t *testing.T) {
	var cancelled int
	ts := &TimerSet{
		Heartbeat: func() { cancelled++ },
		DeepCheck: func() { cancelled++ },
		Watchdog:  func() { cancelled++ },
	}
	ts.CancelAll()
	if cancelled != 3 {
		t.Errorf("cancelled %d timers, want 3", cancelled)
	}

	var nilSet *TimerSet
	nilSet.CancelAll() // must not panic
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusInitializing: "INITIALIZING",
		StatusConnected:    "CONNECTED",
		StatusQRRequired:   "QR_REQUIRED",
		StatusSyncTimeout:  "SYNC_TIMEOUT",
		Status(99):         "UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}

func TestSessionStateFields(t *testing.T) {
	// Registry state should round-trip reason and timestamps untouched.
	r := New()
	r.GetOrCreate("a")
	now := time.Now()
	r.Mutate("a", func(s *SessionState) {
		s.LastDisconnectReason = adapter.ReasonNetworkError
		s.DisconnectedAt = now
	})
	s := r.Get("a")
	if s.LastDisconnectReason != adapter.ReasonNetworkError || !s.DisconnectedAt.Equal(now) {
		t.Error("disconnect fields did not round-trip")
	}
}
