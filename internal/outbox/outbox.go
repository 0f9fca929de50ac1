// Package outbox is the pending message queue: a bounded per-instance
// FIFO used when a send is requested while the instance is not
// CONNECTED, drained on the next ready transition.
package outbox

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/metrics"

	"github.com/google/uuid"
)

// Kind distinguishes text from media sends.
type Kind string

const (
	KindText  Kind = "text"
	KindMedia Kind = "media"
)

// PendingMessage is one queued outbound send.
type PendingMessage struct {
	ID         string
	Kind       Kind
	To         string
	Content    string
	MediaRef   []byte
	Caption    string
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Expired reports whether m has outlived ttl.
func (m PendingMessage) Expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(m.EnqueuedAt) > ttl
}

// instanceQueue is one instance's bounded FIFO, backed by
// container/list.
type instanceQueue struct {
	mu       sync.Mutex
	items    *list.List // of PendingMessage
	capacity int
}

// Manager owns one instanceQueue per instance id.
type Manager struct {
	mu         sync.Mutex
	queues     map[string]*instanceQueue
	capacity   int
	ttl        time.Duration
	maxRetries int
	metrics    *metrics.Collectors
}

// NewManager creates an outbox.Manager with the given capacity, TTL,
// and per-message retry limit.
func NewManager(capacity int, ttl time.Duration, maxRetries int, m *metrics.Collectors) *Manager {
	return &Manager{
		queues:     make(map[string]*instanceQueue),
		capacity:   capacity,
		ttl:        ttl,
		maxRetries: maxRetries,
		metrics:    m,
	}
}

func (mgr *Manager) queueFor(instanceID string) *instanceQueue {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	q, ok := mgr.queues[instanceID]
	if !ok {
		q = &instanceQueue{items: list.New(), capacity: mgr.capacity}
		mgr.queues[instanceID] = q
	}
	return q
}

// Enqueue appends msg to instanceID's queue, evicting the oldest entry
// on overflow so the bound always holds. It returns the
// message's 1-based position and the generated message id.
func (mgr *Manager) Enqueue(instanceID string, msg PendingMessage) (position int, id string) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}

	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items.PushBack(msg)
	if q.items.Len() > q.capacity {
		q.items.Remove(q.items.Front())
	}
	if mgr.metrics != nil {
		mgr.metrics.QueueDepth.WithLabelValues(instanceID).Set(float64(q.items.Len()))
	}
	return q.items.Len(), msg.ID
}

// Len returns the current depth of instanceID's queue.
func (mgr *Manager) Len(instanceID string) int {
	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Snapshot returns a copy of every message currently queued for
// instanceID, in FIFO order (for GET /api/queue/:id).
func (mgr *Manager) Snapshot(instanceID string) []PendingMessage {
	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, 0, q.items.Len())
	for e := q.items.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(PendingMessage))
	}
	return out
}

// Clear empties instanceID's queue (DELETE /api/queue/:id).
func (mgr *Manager) Clear(instanceID string) {
	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.Init()
	if mgr.metrics != nil {
		mgr.metrics.QueueDepth.WithLabelValues(instanceID).Set(0)
	}
}

// Sender is the narrow capability Drain needs: deliver one message via
// the live adapter. Implemented by the lifecycle controller's send path.
type Sender interface {
	Send(ctx context.Context, msg adapter.OutboundMessage) error
	// StillConnected reports whether the instance remains CONNECTED,
	// checked between each drained message so Drain stops early on a
	// disconnect mid-drain.
	StillConnected() bool
}

// DroppedReporter receives messages dropped for TTL expiry or exceeding
// MaxRetries, so callers can surface failure via webhook/logging.
type DroppedReporter func(instanceID string, msg PendingMessage, reason string)

// Drain sends every queued message for instanceID FIFO, pacing by
// pacing between sends, stopping early if the instance falls out of
// CONNECTED. Expired messages and messages that exceed maxRetries are
// dropped and reported via onDropped instead of sent.
func (mgr *Manager) Drain(ctx context.Context, instanceID string, sender Sender, pacing time.Duration, onDropped DroppedReporter) {
	for {
		if !sender.StillConnected() {
			return
		}
		msg, ok := mgr.pop(instanceID)
		if !ok {
			return
		}

		if msg.Expired(mgr.ttl, time.Now()) {
			if onDropped != nil {
				onDropped(instanceID, msg, "ttl_expired")
			}
			continue
		}

		err := sender.Send(ctx, toOutbound(msg))
		if err != nil {
			msg.Attempts++
			msg.LastError = err.Error()
			if msg.Attempts >= mgr.maxRetries {
				if onDropped != nil {
					onDropped(instanceID, msg, "max_retries")
				}
				continue
			}
			// Requeue at the back; FIFO order still holds for the
			// remaining fresh messages ahead of it in practice since
			// sends are paced one at a time.
			mgr.requeue(instanceID, msg)
			continue
		}

		select {
		case <-time.After(pacing):
		case <-ctx.Done():
			return
		}
	}
}

func (mgr *Manager) pop(instanceID string) (PendingMessage, bool) {
	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return PendingMessage{}, false
	}
	q.items.Remove(front)
	if mgr.metrics != nil {
		mgr.metrics.QueueDepth.WithLabelValues(instanceID).Set(float64(q.items.Len()))
	}
	return front.Value.(PendingMessage), true
}

func (mgr *Manager) requeue(instanceID string, msg PendingMessage) {
	q := mgr.queueFor(instanceID)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(msg)
	if mgr.metrics != nil {
		mgr.metrics.QueueDepth.WithLabelValues(instanceID).Set(float64(q.items.Len()))
	}
}

func toOutbound(msg PendingMessage) adapter.OutboundMessage {
	switch msg.Kind {
	case KindMedia:
		return adapter.OutboundMessage{To: msg.To, Kind: "media", Media: msg.MediaRef, Caption: msg.Caption}
	default:
		return adapter.OutboundMessage{To: msg.To, Kind: "text", Text: msg.Content}
	}
}
