// Package httpapi is the engine's control surface: a plain
// net/http.ServeMux router translating requests into calls against the
// registry, lifecycle controller, reconnector, and outbox manager.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/authstore"
	"github.com/wagateway/engine/internal/engineerr"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/ratelimit"
	"github.com/wagateway/engine/internal/registry"
)

// Lifecycle is the narrow surface the HTTP layer needs from
// lifecycle.Controller: Start to begin a session, SendOrEnqueue for the
// send endpoints, and Destroy for stop/reset.
type Lifecycle interface {
	Start(instanceID string) error
	Destroy(instanceID string)
	SendOrEnqueue(ctx context.Context, instanceID string, msg adapter.OutboundMessage) (queued bool, position int, messageID string, err error)
}

// ReconnectTrigger forces a reconnect, matching lifecycle.ReconnectTrigger.
type ReconnectTrigger func(instanceID string, reason adapter.DisconnectReason)

// Server wires the session, queue, and send endpoints onto a ServeMux.
type Server struct {
	mux       *http.ServeMux
	registry  *registry.Registry
	lifecycle Lifecycle
	reconnect ReconnectTrigger
	meta      metastore.Store
	blobs     authstore.Store
	outboxMgr *outbox.Manager
	limiter   *ratelimit.Limiter
	logs      *logging.Bus
}

// New builds a Server and registers every route. limiter may be nil to
// disable per-instance send throttling.
func New(reg *registry.Registry, lc Lifecycle, reconnect ReconnectTrigger, meta metastore.Store, blobs authstore.Store, outboxMgr *outbox.Manager, limiter *ratelimit.Limiter, logs *logging.Bus) *Server {
	s := &Server{
		mux:       http.NewServeMux(),
		registry:  reg,
		lifecycle: lc,
		reconnect: reconnect,
		meta:      meta,
		blobs:     blobs,
		outboxMgr: outboxMgr,
		limiter:   limiter,
		logs:      logs,
	}
	s.routes()
	return s
}

// ServeHTTP makes Server an http.Handler, wired into http.Server in
// cmd/gatewayd.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/session/start", s.handleSessionStart)
	s.mux.HandleFunc("POST /api/session/stop", s.handleSessionStop)
	s.mux.HandleFunc("POST /api/session/reconnect", s.handleSessionReconnect)
	s.mux.HandleFunc("POST /api/session/reset", s.handleSessionReset)
	s.mux.HandleFunc("GET /api/session/status/{id}", s.handleSessionStatus)
	s.mux.HandleFunc("GET /api/session/qr/{id}", s.handleSessionQR)
	s.mux.HandleFunc("POST /api/instance/{id}/enable", s.handleInstanceEnable)
	s.mux.HandleFunc("POST /api/instance/{id}/disable", s.handleInstanceDisable)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/queue/{id}", s.handleQueueGet)
	s.mux.HandleFunc("DELETE /api/queue/{id}", s.handleQueueDelete)
	s.mux.HandleFunc("POST /api/send-text", s.handleSendText)
	s.mux.HandleFunc("POST /api/send-media", s.handleSendMedia)
}

type instanceBody struct {
	InstanceID string `json:"instanceId"`
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var body instanceBody
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := s.lifecycle.Start(body.InstanceID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	var body instanceBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.lifecycle.Destroy(body.InstanceID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSessionReconnect(w http.ResponseWriter, r *http.Request) {
	var body instanceBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.reconnect(body.InstanceID, adapter.ReasonOther)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	var body instanceBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.lifecycle.Destroy(body.InstanceID)
	if err := s.blobs.Delete(r.Context(), body.InstanceID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.lifecycle.Start(body.InstanceID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"success": true})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.registry.Get(id)
	if sess == nil {
		writeError(w, http.StatusNotFound, engineerr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": sess.Status.String(),
		"hasQr":  sess.QR != "",
	})
}

func (s *Server) handleSessionQR(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess := s.registry.Get(id)
	if sess == nil || sess.QR == "" {
		http.NotFound(w, r)
		return
	}
	png, err := qrcode.Encode(sess.QR, qrcode.Medium, 256)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleInstanceEnable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, true)
}

func (s *Server) handleInstanceDisable(w http.ResponseWriter, r *http.Request) {
	s.setEnabled(w, r, false)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request, enabled bool) {
	id := r.PathValue("id")
	if err := s.meta.SetEnabled(r.Context(), id, enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !enabled {
		s.lifecycle.Destroy(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type healthInstance struct {
	InstanceID        string `json:"instanceId"`
	Status            string `json:"status"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	QueueDepth        int    `json:"queueDepth"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Snapshot()
	out := make([]healthInstance, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, healthInstance{
			InstanceID:        sess.InstanceID,
			Status:            sess.Status.String(),
			ReconnectAttempts: sess.ReconnectAttempts,
			QueueDepth:        s.outboxMgr.Len(sess.InstanceID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instances": out,
		"at":        time.Now(),
	})
}

func (s *Server) handleQueueGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, s.outboxMgr.Snapshot(id))
}

func (s *Server) handleQueueDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.outboxMgr.Clear(id)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type sendTextBody struct {
	Instance string `json:"instance"`
	To       string `json:"to"`
	Message  string `json:"message"`
	Token    string `json:"token,omitempty"`
}

func (s *Server) handleSendText(w http.ResponseWriter, r *http.Request) {
	var body sendTextBody
	if !decodeJSON(w, r, &body) {
		return
	}
	s.sendAndRespond(w, r, body.Instance, adapter.OutboundMessage{
		To:   body.To,
		Kind: "text",
		Text: body.Message,
	})
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	var instance, to, caption, mimeType string
	var media []byte

	if strings.HasPrefix(contentType, "multipart/") {
		if err := r.ParseMultipartForm(25 << 20); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		instance = r.FormValue("instance")
		to = r.FormValue("to")
		caption = r.FormValue("caption")
		file, header, err := r.FormFile("media")
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		defer file.Close()
		media, err = io.ReadAll(file)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		mimeType = header.Header.Get("Content-Type")
	} else {
		var body struct {
			Instance string `json:"instance"`
			To       string `json:"to"`
			Caption  string `json:"caption"`
			MimeType string `json:"mimeType"`
			Media    []byte `json:"media"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		instance, to, caption, mimeType, media = body.Instance, body.To, body.Caption, body.MimeType, body.Media
	}

	s.sendAndRespond(w, r, instance, adapter.OutboundMessage{
		To:       to,
		Kind:     "media",
		Media:    media,
		MimeType: mimeType,
		Caption:  caption,
	})
}

func (s *Server) sendAndRespond(w http.ResponseWriter, r *http.Request, instanceID string, msg adapter.OutboundMessage) {
	if s.limiter != nil && !s.limiter.Allow(instanceID) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	queued, position, messageID, err := s.lifecycle.SendOrEnqueue(ctx, instanceID, msg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if queued {
		s.reconnect(instanceID, adapter.ReasonOther)
		writeJSON(w, http.StatusAccepted, map[string]any{
			"queued":    true,
			"messageId": messageID,
			"position":  position,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
