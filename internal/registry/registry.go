// Package registry is the single in-memory owner of every instance's
// SessionState: a map behind one RWMutex, and the sole mutator. Every
// other component reaches SessionState fields only through Registry
// methods.
package registry

import (
	"sync"
	"time"

	"github.com/wagateway/engine/internal/adapter"
)

// Status is a session's position in the connection lifecycle.
type Status int

const (
	StatusInitializing Status = iota
	StatusLoading
	StatusQRRequired
	StatusAuthenticated
	StatusConnected
	StatusSyncTimeout
	StatusDisconnected
	StatusAuthFailure
	StatusInitError
	StatusReconnecting
)

func (s Status) String() string {
	switch s {
	case StatusInitializing:
		return "INITIALIZING"
	case StatusLoading:
		return "LOADING"
	case StatusQRRequired:
		return "QR_REQUIRED"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusConnected:
		return "CONNECTED"
	case StatusSyncTimeout:
		return "SYNC_TIMEOUT"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusAuthFailure:
		return "AUTH_FAILURE"
	case StatusInitError:
		return "INIT_ERROR"
	case StatusReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// TimerSet holds the cancel funcs for the probe loops armed while
// CONNECTED (heartbeat, deep-check, watchdog). The lifecycle controller
// never sets Promotion; CancelAll skips it while it is nil. Leaving
// CONNECTED cancels them collectively.
type TimerSet struct {
	Heartbeat func()
	DeepCheck func()
	Watchdog  func()
	Promotion func()
}

func (t *TimerSet) CancelAll() {
	if t == nil {
		return
	}
	for _, cancel := range []func(){t.Heartbeat, t.DeepCheck, t.Watchdog, t.Promotion} {
		if cancel != nil {
			cancel()
		}
	}
}

// SessionState is the in-memory runtime record for one instance.
// Access is serialized by the owning Registry; callers never lock it
// directly.
type SessionState struct {
	InstanceID string
	Status     Status
	LoadingPct int
	Client     adapter.Adapter
	QR         string

	CreatedAt        time.Time
	LoadingStartedAt time.Time
	LastActivity     time.Time
	LastPingOK       time.Time
	LastDeepCheckOK  time.Time
	AuthenticatedAt  time.Time
	DisconnectedAt   time.Time

	ReconnectAttempts       int
	ConsecutivePingFailures int
	ContextErrorCount       int
	WSCheckFailures         int

	Reconnecting              bool
	ShuttingDown              bool
	NeedsReconnect            bool
	LifecyclePromotionRunning bool

	Timers *TimerSet

	LastDisconnectReason adapter.DisconnectReason

	// ConnectedSince tracks how long CONNECTED has held uninterrupted,
	// the input to the reconnect-attempt reset rule.
	ConnectedSince time.Time
}

// clone returns a value copy safe to hand to a reader outside the lock.
// Client and Timers stay shared references (a session has at most one
// live adapter handle), so callers must not mutate through them.
func (s *SessionState) clone() SessionState {
	return *s
}

// Registry is the sole owner and mutator of every SessionState.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*SessionState
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*SessionState)}
}

// GetOrCreate returns the existing SessionState for id, or creates a
// fresh one in StatusInitializing with CreatedAt=now.
func (r *Registry) GetOrCreate(id string) *SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		return s
	}
	s := &SessionState{
		InstanceID: id,
		Status:     StatusInitializing,
		CreatedAt:  time.Now(),
	}
	r.sessions[id] = s
	return s
}

// Get returns the live SessionState pointer for id, or nil.
//
// Callers that only need to read should prefer Snapshot/Filter, which
// return copies; Get is for components (lifecycle, reconnector) that
// are the designated single mutator for that instance at this moment.
func (r *Registry) Get(id string) *SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Delete removes the SessionState for id (explicit deletion, or
// reconnect teardown ahead of a fresh start).
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Enumerate returns every registered instance id.
func (r *Registry) Enumerate() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CountByStatus returns how many sessions are in each status.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, s := range r.sessions {
		counts[s.Status]++
	}
	return counts
}

// Filter returns copies of every SessionState matching predicate.
func (r *Registry) Filter(predicate func(SessionState) bool) []SessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []SessionState
	for _, s := range r.sessions {
		cp := s.clone()
		if predicate(cp) {
			out = append(out, cp)
		}
	}
	return out
}

// Snapshot returns a copy of every SessionState, for the health endpoint.
func (r *Registry) Snapshot() []SessionState {
	return r.Filter(func(SessionState) bool { return true })
}

// Mutate runs fn against the live SessionState for id under the
// registry's lock, the one sanctioned way to change session fields.
// It returns false if id is not registered.
func (r *Registry) Mutate(id string, fn func(*SessionState)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s)
	return true
}
