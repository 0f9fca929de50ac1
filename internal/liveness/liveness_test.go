package liveness

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/engineerr"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/registry"
)

type fakeMeta struct {
	metastore.Store
	mu   sync.Mutex
	rows map[string]metastore.InstanceRecord
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{rows: make(map[string]metastore.InstanceRecord)}
}

func (f *fakeMeta) Get(ctx context.Context, id string) (metastore.InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.rows[id]
	if !ok {
		return metastore.InstanceRecord{}, engineerr.ErrNotFound
	}
	return rec, nil
}

func (f *fakeMeta) ListEnabled(ctx context.Context) ([]metastore.InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []metastore.InstanceRecord
	for _, rec := range f.rows {
		if rec.Enabled {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testSupervisor(reg *registry.Registry, meta metastore.Store, start Starter, reconnect ReconnectTrigger) *Supervisor {
	if start == nil {
		start = func(string) error { return nil }
	}
	if reconnect == nil {
		reconnect = func(string, adapter.DisconnectReason) {}
	}
	return New(reg, meta, start, reconnect, nil, logging.New(io.Discard, "error"), config.Default())
}

func TestClassify(t *testing.T) {
	s := testSupervisor(registry.New(), newFakeMeta(), nil, nil)
	now := time.Now()

	t.Run("zombie", func(t *testing.T) {
		sess := registry.SessionState{
			Status:     registry.StatusConnected,
			LastPingOK: now.Add(-31 * time.Minute),
		}
		if got := s.classify(sess, now); got != classZombie {
			t.Errorf("classify = %v, want zombie", got)
		}
	})

	t.Run("connected with recent ping is healthy", func(t *testing.T) {
		sess := registry.SessionState{
			Status:       registry.StatusConnected,
			LastPingOK:   now.Add(-time.Minute),
			LastActivity: now.Add(-time.Minute),
		}
		if got := s.classify(sess, now); got != classNone {
			t.Errorf("classify = %v, want none", got)
		}
	})

	t.Run("stuck in loading", func(t *testing.T) {
		sess := registry.SessionState{
			Status:           registry.StatusLoading,
			LoadingStartedAt: now.Add(-6 * time.Minute),
		}
		if got := s.classify(sess, now); got != classStuck {
			t.Errorf("classify = %v, want stuck", got)
		}
	})

	t.Run("stuck in initializing", func(t *testing.T) {
		sess := registry.SessionState{
			Status:           registry.StatusInitializing,
			LoadingStartedAt: now.Add(-6 * time.Minute),
		}
		if got := s.classify(sess, now); got != classStuck {
			t.Errorf("classify = %v, want stuck", got)
		}
	})

	t.Run("inactive", func(t *testing.T) {
		sess := registry.SessionState{
			Status:       registry.StatusConnected,
			LastPingOK:   now.Add(-time.Minute),
			LastActivity: now.Add(-16 * time.Minute),
		}
		if got := s.classify(sess, now); got != classInactive {
			t.Errorf("classify = %v, want inactive", got)
		}
	})

	t.Run("boundary is strictly greater than threshold", func(t *testing.T) {
		sess := registry.SessionState{
			Status:     registry.StatusConnected,
			LastPingOK: now.Add(-30 * time.Minute), // exactly ZOMBIE_THRESHOLD
		}
		if got := s.classify(sess, now); got != classNone {
			t.Errorf("classify at exact threshold = %v, want none", got)
		}
	})
}

func TestLeaking(t *testing.T) {
	cases := []struct {
		name    string
		history []uint64
		want    bool
	}{
		{"too few samples", []uint64{1, 2, 3}, false},
		{"monotonically increasing", []uint64{1, 2, 3, 4, 5}, true},
		{"flat counts as non-decreasing", []uint64{5, 5, 5, 5, 5}, true},
		{"any dip clears the flag", []uint64{1, 2, 3, 2, 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := leaking(tc.history); got != tc.want {
				t.Errorf("leaking(%v) = %v, want %v", tc.history, got, tc.want)
			}
		})
	}
}

func TestSweep(t *testing.T) {
	t.Run("reconnects zombies", func(t *testing.T) {
		reg := registry.New()
		reg.GetOrCreate("z")
		reg.Mutate("z", func(s *registry.SessionState) {
			s.Status = registry.StatusConnected
			s.LastPingOK = time.Now().Add(-time.Hour)
		})

		var mu sync.Mutex
		var reconnected []string
		s := testSupervisor(reg, newFakeMeta(), nil, func(id string, reason adapter.DisconnectReason) {
			mu.Lock()
			defer mu.Unlock()
			if reason == adapter.ReasonZombie {
				reconnected = append(reconnected, id)
			}
		})

		s.sweep(context.Background())

		mu.Lock()
		defer mu.Unlock()
		if len(reconnected) != 1 || reconnected[0] != "z" {
			t.Errorf("zombie reconnects = %v, want [z]", reconnected)
		}
	})

	t.Run("restarts enabled instance with no session", func(t *testing.T) {
		meta := newFakeMeta()
		meta.rows["ghost"] = metastore.InstanceRecord{ID: "ghost", Enabled: true}

		var mu sync.Mutex
		var started []string
		s := testSupervisor(registry.New(), meta, func(id string) error {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, id)
			return nil
		}, nil)

		s.sweep(context.Background())

		mu.Lock()
		defer mu.Unlock()
		if len(started) != 1 || started[0] != "ghost" {
			t.Errorf("started = %v, want [ghost]", started)
		}
	})

	t.Run("leaves disabled instances alone", func(t *testing.T) {
		meta := newFakeMeta()
		meta.rows["off"] = metastore.InstanceRecord{ID: "off", Enabled: false}

		var started []string
		s := testSupervisor(registry.New(), meta, func(id string) error {
			started = append(started, id)
			return nil
		}, nil)

		s.sweep(context.Background())

		if len(started) != 0 {
			t.Errorf("started = %v, want none for a disabled instance", started)
		}
	})

	t.Run("restarts enabled session stuck in INIT_ERROR", func(t *testing.T) {
		reg := registry.New()
		reg.GetOrCreate("e")
		reg.Mutate("e", func(s *registry.SessionState) {
			s.Status = registry.StatusInitError
		})
		meta := newFakeMeta()
		meta.rows["e"] = metastore.InstanceRecord{ID: "e", Enabled: true}

		var mu sync.Mutex
		var started []string
		s := testSupervisor(reg, meta, func(id string) error {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, id)
			return nil
		}, nil)

		s.sweep(context.Background())

		mu.Lock()
		defer mu.Unlock()
		if len(started) != 1 || started[0] != "e" {
			t.Errorf("started = %v, want [e]", started)
		}
	})
}

func TestShedOldestConnected(t *testing.T) {
	reg := registry.New()
	for _, tc := range []struct {
		id    string
		since time.Time
	}{
		{"young", time.Now()},
		{"old", time.Now().Add(-2 * time.Hour)},
	} {
		reg.GetOrCreate(tc.id)
		since := tc.since
		reg.Mutate(tc.id, func(s *registry.SessionState) {
			s.Status = registry.StatusConnected
			s.ConnectedSince = since
		})
	}

	var shed string
	s := testSupervisor(reg, newFakeMeta(), nil, func(id string, reason adapter.DisconnectReason) {
		if reason == adapter.ReasonMemoryPressure {
			shed = id
		}
	})

	s.shedOldestConnected()
	if shed != "old" {
		t.Errorf("shed %q, want the oldest CONNECTED session", shed)
	}
}
