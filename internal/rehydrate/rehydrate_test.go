package rehydrate

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
)

type fakeMeta struct {
	metastore.Store
	rows []metastore.InstanceRecord
	err  error
}

func (f *fakeMeta) ListEnabled(ctx context.Context) ([]metastore.InstanceRecord, error) {
	return f.rows, f.err
}

func fastPolicy() config.Policy {
	p := config.Default()
	p.RehydrateStagger = time.Millisecond
	return p
}

func TestRun(t *testing.T) {
	t.Run("starts every enabled instance in order", func(t *testing.T) {
		meta := &fakeMeta{rows: []metastore.InstanceRecord{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: true},
			{ID: "c", Enabled: true},
		}}

		var mu sync.Mutex
		var started []string
		r := New(meta, func(id string) error {
			mu.Lock()
			defer mu.Unlock()
			started = append(started, id)
			return nil
		}, logging.New(io.Discard, "error"), fastPolicy())

		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(started) != 3 || started[0] != "a" || started[2] != "c" {
			t.Errorf("started = %v, want [a b c]", started)
		}
	})

	t.Run("a failing start does not abort the pass", func(t *testing.T) {
		meta := &fakeMeta{rows: []metastore.InstanceRecord{
			{ID: "bad", Enabled: true},
			{ID: "good", Enabled: true},
		}}

		var started []string
		r := New(meta, func(id string) error {
			if id == "bad" {
				return errors.New("boom")
			}
			started = append(started, id)
			return nil
		}, logging.New(io.Discard, "error"), fastPolicy())

		if err := r.Run(context.Background()); err != nil {
			t.Fatalf("Run: %v", err)
		}
		if len(started) != 1 || started[0] != "good" {
			t.Errorf("started = %v, want [good]", started)
		}
	})

	t.Run("cancelled context stops the stagger loop", func(t *testing.T) {
		meta := &fakeMeta{rows: []metastore.InstanceRecord{
			{ID: "a", Enabled: true},
			{ID: "b", Enabled: true},
		}}
		p := fastPolicy()
		p.RehydrateStagger = time.Second

		ctx, cancel := context.WithCancel(context.Background())
		var started []string
		r := New(meta, func(id string) error {
			started = append(started, id)
			cancel() // cancel after the first start
			return nil
		}, logging.New(io.Discard, "error"), p)

		err := r.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
		if len(started) != 1 {
			t.Errorf("started = %v, want only the first instance", started)
		}
	})
}

func TestMaskInstanceID(t *testing.T) {
	cases := map[string]string{
		"abc":        "abc",
		"instance-1": "instanxxxx",
		"abcd":       "abcd",
	}
	for in, want := range cases {
		if got := maskInstanceID(in); got != want {
			t.Errorf("maskInstanceID(%q) = %q, want %q", in, got, want)
		}
	}
}
