package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/ratelimit"
	"github.com/wagateway/engine/internal/registry"

	"golang.org/x/time/rate"
)

type fakeLifecycle struct {
	mu        sync.Mutex
	started   []string
	destroyed []string
	connected bool
	outboxMgr *outbox.Manager
}

func (f *fakeLifecycle) Start(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeLifecycle) Destroy(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
}

func (f *fakeLifecycle) SendOrEnqueue(ctx context.Context, id string, msg adapter.OutboundMessage) (bool, int, string, error) {
	if f.connected {
		return false, 0, "", nil
	}
	pos, msgID := f.outboxMgr.Enqueue(id, outbox.PendingMessage{Kind: outbox.KindText, To: msg.To, Content: msg.Text})
	return true, pos, msgID, nil
}

type fakeMeta struct {
	metastore.Store
	mu      sync.Mutex
	enabled map[string]bool
}

func (f *fakeMeta) SetEnabled(ctx context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled[id] = enabled
	return nil
}

type fakeBlobs struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeBlobs) Exists(ctx context.Context, name string) (bool, error)    { return false, nil }
func (f *fakeBlobs) Save(ctx context.Context, name string, b []byte) error    { return nil }
func (f *fakeBlobs) Extract(ctx context.Context, name string) ([]byte, error) { return nil, nil }
func (f *fakeBlobs) List(ctx context.Context) ([]string, error)               { return nil, nil }
func (f *fakeBlobs) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

type rig struct {
	srv       *Server
	reg       *registry.Registry
	lc        *fakeLifecycle
	meta      *fakeMeta
	blobs     *fakeBlobs
	outboxMgr *outbox.Manager
	mu        sync.Mutex
	reconnect []string
}

func newRig(t *testing.T, limiter *ratelimit.Limiter) *rig {
	t.Helper()
	r := &rig{
		reg:       registry.New(),
		meta:      &fakeMeta{enabled: make(map[string]bool)},
		blobs:     &fakeBlobs{},
		outboxMgr: outbox.NewManager(100, 5*time.Minute, 3, nil),
	}
	r.lc = &fakeLifecycle{outboxMgr: r.outboxMgr}
	trigger := func(id string, reason adapter.DisconnectReason) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.reconnect = append(r.reconnect, id)
	}
	r.srv = New(r.reg, r.lc, trigger, r.meta, r.blobs, r.outboxMgr, limiter, logging.New(io.Discard, "error"))
	return r
}

func (r *rig) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.srv.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSessionEndpoints(t *testing.T) {
	t.Run("start returns 202", func(t *testing.T) {
		r := newRig(t, nil)
		w := r.do(t, http.MethodPost, "/api/session/start", map[string]string{"instanceId": "a"})
		if w.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", w.Code)
		}
		if len(r.lc.started) != 1 || r.lc.started[0] != "a" {
			t.Errorf("started = %v, want [a]", r.lc.started)
		}
	})

	t.Run("stop destroys the session", func(t *testing.T) {
		r := newRig(t, nil)
		w := r.do(t, http.MethodPost, "/api/session/stop", map[string]string{"instanceId": "a"})
		if w.Code != http.StatusOK || len(r.lc.destroyed) != 1 {
			t.Errorf("status=%d destroyed=%v", w.Code, r.lc.destroyed)
		}
	})

	t.Run("reset deletes the blob and restarts", func(t *testing.T) {
		r := newRig(t, nil)
		w := r.do(t, http.MethodPost, "/api/session/reset", map[string]string{"instanceId": "a"})
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", w.Code)
		}
		if len(r.blobs.deleted) != 1 || len(r.lc.destroyed) != 1 || len(r.lc.started) != 1 {
			t.Errorf("deleted=%v destroyed=%v started=%v, want one of each",
				r.blobs.deleted, r.lc.destroyed, r.lc.started)
		}
	})

	t.Run("status of unknown session is 404", func(t *testing.T) {
		r := newRig(t, nil)
		if w := r.do(t, http.MethodGet, "/api/session/status/ghost", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})

	t.Run("status reports hasQr", func(t *testing.T) {
		r := newRig(t, nil)
		r.reg.GetOrCreate("a")
		r.reg.Mutate("a", func(s *registry.SessionState) {
			s.Status = registry.StatusQRRequired
			s.QR = "payload"
		})
		w := r.do(t, http.MethodGet, "/api/session/status/a", nil)
		out := decode(t, w)
		if out["status"] != "QR_REQUIRED" || out["hasQr"] != true {
			t.Errorf("body = %v", out)
		}
	})

	t.Run("qr endpoint returns a png", func(t *testing.T) {
		r := newRig(t, nil)
		r.reg.GetOrCreate("a")
		r.reg.Mutate("a", func(s *registry.SessionState) { s.QR = "payload" })
		w := r.do(t, http.MethodGet, "/api/session/qr/a", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if ct := w.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("content-type = %q, want image/png", ct)
		}
		if w.Body.Len() == 0 {
			t.Error("empty png body")
		}
	})

	t.Run("qr endpoint is 404 without a code", func(t *testing.T) {
		r := newRig(t, nil)
		r.reg.GetOrCreate("a")
		if w := r.do(t, http.MethodGet, "/api/session/qr/a", nil); w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", w.Code)
		}
	})
}

func TestIntentEndpoints(t *testing.T) {
	r := newRig(t, nil)

	if w := r.do(t, http.MethodPost, "/api/instance/a/enable", nil); w.Code != http.StatusOK {
		t.Fatalf("enable status = %d", w.Code)
	}
	if !r.meta.enabled["a"] {
		t.Error("enable did not persist intent")
	}

	if w := r.do(t, http.MethodPost, "/api/instance/a/disable", nil); w.Code != http.StatusOK {
		t.Fatalf("disable status = %d", w.Code)
	}
	if r.meta.enabled["a"] {
		t.Error("disable did not clear intent")
	}
	if len(r.lc.destroyed) != 1 {
		t.Error("disable did not stop the running session")
	}
}

func TestSendText(t *testing.T) {
	t.Run("connected instance sends synchronously", func(t *testing.T) {
		r := newRig(t, nil)
		r.lc.connected = true
		w := r.do(t, http.MethodPost, "/api/send-text", map[string]string{
			"instance": "a", "to": "x", "message": "hi",
		})
		if w.Code != http.StatusOK {
			t.Errorf("status = %d, want 200", w.Code)
		}
		if out := decode(t, w); out["success"] != true {
			t.Errorf("body = %v", out)
		}
	})

	t.Run("offline instance gets 202 with position and triggers reconnect", func(t *testing.T) {
		r := newRig(t, nil)
		w := r.do(t, http.MethodPost, "/api/send-text", map[string]string{
			"instance": "a", "to": "x", "message": "hi",
		})
		if w.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", w.Code)
		}
		out := decode(t, w)
		if out["queued"] != true || out["position"] != float64(1) || out["messageId"] == "" {
			t.Errorf("body = %v, want queued at position 1", out)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if len(r.reconnect) != 1 {
			t.Error("queued send did not trigger a reconnect")
		}
	})

	t.Run("rate limit returns 429", func(t *testing.T) {
		r := newRig(t, ratelimit.New(rate.Limit(0.0001), 1))
		r.lc.connected = true
		body := map[string]string{"instance": "a", "to": "x", "message": "hi"}
		if w := r.do(t, http.MethodPost, "/api/send-text", body); w.Code != http.StatusOK {
			t.Fatalf("first send status = %d, want 200", w.Code)
		}
		if w := r.do(t, http.MethodPost, "/api/send-text", body); w.Code != http.StatusTooManyRequests {
			t.Errorf("second send status = %d, want 429", w.Code)
		}
	})
}

func TestQueueEndpoints(t *testing.T) {
	r := newRig(t, nil)
	r.outboxMgr.Enqueue("a", outbox.PendingMessage{Kind: outbox.KindText, To: "x", Content: "m"})

	w := r.do(t, http.MethodGet, "/api/queue/a", nil)
	var msgs []outbox.PendingMessage
	if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil || len(msgs) != 1 {
		t.Fatalf("queue GET = %q (err %v), want one message", w.Body.String(), err)
	}

	if w := r.do(t, http.MethodDelete, "/api/queue/a", nil); w.Code != http.StatusOK {
		t.Fatalf("queue DELETE status = %d", w.Code)
	}
	if r.outboxMgr.Len("a") != 0 {
		t.Error("queue not cleared")
	}
}

func TestHealth(t *testing.T) {
	r := newRig(t, nil)
	r.reg.GetOrCreate("a")
	r.reg.Mutate("a", func(s *registry.SessionState) { s.Status = registry.StatusConnected })
	r.outboxMgr.Enqueue("a", outbox.PendingMessage{Kind: outbox.KindText, Content: "m"})

	w := r.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	out := decode(t, w)
	instances := out["instances"].([]any)
	if len(instances) != 1 {
		t.Fatalf("instances = %v, want 1", instances)
	}
	inst := instances[0].(map[string]any)
	if inst["status"] != "CONNECTED" || inst["queueDepth"] != float64(1) {
		t.Errorf("instance = %v", inst)
	}
}
