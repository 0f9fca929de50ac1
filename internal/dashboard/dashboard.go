// Package dashboard serves the operator-facing read-only surface: the
// prometheus /metrics endpoint and a JSON /stats snapshot of every
// session plus process memory.
package dashboard

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/registry"
)

// Handler exposes /metrics and /stats.
type Handler struct {
	mux       *http.ServeMux
	registry  *registry.Registry
	outboxMgr *outbox.Manager
	startedAt time.Time
}

// New builds a Handler. gatherer is the same prometheus registry the
// engine's collectors are registered against.
func New(reg *registry.Registry, outboxMgr *outbox.Manager, gatherer prometheus.Gatherer) *Handler {
	h := &Handler{
		mux:       http.NewServeMux(),
		registry:  reg,
		outboxMgr: outboxMgr,
		startedAt: time.Now(),
	}
	h.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("/stats", h.handleStats)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type sessionStats struct {
	InstanceID        string `json:"instanceId"`
	Status            string `json:"status"`
	LoadingPct        int    `json:"loadingPct,omitempty"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	QueueDepth        int    `json:"queueDepth"`
	LastPingOK        string `json:"lastPingOk,omitempty"`
	DisconnectReason  string `json:"disconnectReason,omitempty"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sessions := h.registry.Snapshot()
	out := make([]sessionStats, 0, len(sessions))
	for _, s := range sessions {
		st := sessionStats{
			InstanceID:        s.InstanceID,
			Status:            s.Status.String(),
			LoadingPct:        s.LoadingPct,
			ReconnectAttempts: s.ReconnectAttempts,
			QueueDepth:        h.outboxMgr.Len(s.InstanceID),
			DisconnectReason:  string(s.LastDisconnectReason),
		}
		if !s.LastPingOK.IsZero() {
			st.LastPingOK = s.LastPingOK.Format(time.RFC3339)
		}
		out = append(out, st)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions": out,
		"memory": map[string]any{
			"heapAllocBytes": ms.HeapAlloc,
			"sysBytes":       ms.Sys,
			"numGC":          ms.NumGC,
			"goroutines":     runtime.NumGoroutine(),
		},
		"uptimeSeconds": int(time.Since(h.startedAt).Seconds()),
		"timestamp":     time.Now(),
	})
}
