// Package reconnect is the per-instance reconnect supervisor: tear the
// adapter down, compute a delay from the disconnect reason, sleep, then
// ask the lifecycle controller to start fresh. One goroutine per
// instance, with the attempt counter reset once a connection holds.
package reconnect

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metrics"
	"github.com/wagateway/engine/internal/registry"
)

// Starter begins (or resumes) an instance's state machine. Implemented by
// lifecycle.Controller.Start; passed in as a function value to avoid an
// import cycle (lifecycle needs to schedule reconnects through this
// package, this package needs to call back into lifecycle).
type Starter func(instanceID string) error

// Destroyer tears down a live adapter under a deadline, swallowing
// teardown-ish errors, and removes its SessionState from the registry.
// Implemented by lifecycle.Controller.
type Destroyer func(instanceID string)

// Reconnector is the engine's single per-instance reconnect supervisor.
type Reconnector struct {
	mu      sync.Mutex
	pending map[string]context.CancelFunc

	registry *registry.Registry
	start    Starter
	destroy  Destroyer
	metrics  *metrics.Collectors
	logs     *logging.Bus
	policy   config.Policy
}

// New builds a Reconnector. start and destroy are supplied by the
// lifecycle controller at wiring time in cmd/gatewayd.
func New(reg *registry.Registry, start Starter, destroy Destroyer, m *metrics.Collectors, logs *logging.Bus, policy config.Policy) *Reconnector {
	return &Reconnector{
		pending:  make(map[string]context.CancelFunc),
		registry: reg,
		start:    start,
		destroy:  destroy,
		metrics:  m,
		logs:     logs,
		policy:   policy,
	}
}

// Trigger schedules a reconnect for instanceID, matching
// lifecycle.ReconnectTrigger's signature. Only one in-flight reconnect
// per instance id is honored; a second Trigger call for an id already
// scheduled is a no-op.
func (r *Reconnector) Trigger(instanceID string, reason adapter.DisconnectReason) {
	r.mu.Lock()
	if _, exists := r.pending[instanceID]; exists {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.pending[instanceID] = cancel
	r.mu.Unlock()

	go r.run(ctx, instanceID, reason)
}

// Cancel aborts a scheduled-but-not-yet-started reconnect for
// instanceID, ending its delay sleep early so start is never called.
func (r *Reconnector) Cancel(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.pending[instanceID]; ok {
		cancel()
		delete(r.pending, instanceID)
	}
}

func (r *Reconnector) run(ctx context.Context, id string, reason adapter.DisconnectReason) {
	log := r.logs.For(id, logging.CategoryReconnect)
	defer func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
	}()

	r.registry.Mutate(id, func(s *registry.SessionState) {
		s.Reconnecting = true
	})

	// Read the attempt counter before teardown removes the SessionState;
	// it is written back onto the fresh state once start() recreates it.
	attempts := 0
	if s := r.registry.Get(id); s != nil {
		attempts = s.ReconnectAttempts
	}

	r.destroy(id)

	// The delay uses the pre-increment count: the first reconnect of an
	// episode gets the base delay, not one step in.
	delay := computeDelay(reason, attempts, r.policy)

	attempts++
	if attempts >= r.policy.MaxReconnectAttempts {
		log.Warn().Int("attempts", attempts).Msg("max reconnect attempts reached, resetting counter and continuing")
		attempts = 0
	}
	if r.metrics != nil {
		r.metrics.Reconnects.WithLabelValues(string(reason)).Inc()
	}
	log.Info().Str("reason", string(reason)).Int("attempt", attempts).Dur("delay", delay).Msg("scheduling reconnect")

	select {
	case <-ctx.Done():
		log.Debug().Msg("reconnect cancelled before delay elapsed")
		return
	case <-time.After(delay):
	}

	if err := r.start(id); err != nil {
		log.Error().Err(err).Msg("restart after reconnect delay failed")
		return
	}

	r.registry.Mutate(id, func(s *registry.SessionState) {
		s.ReconnectAttempts = attempts
		s.Reconnecting = false
		s.NeedsReconnect = false
	})
}

// computeDelay picks the delay for a reconnect attempt: a short
// linearly-growing delay for reasons expected to clear quickly,
// jittered exponential backoff for everything else.
func computeDelay(reason adapter.DisconnectReason, attempts int, p config.Policy) time.Duration {
	if config.ImmediateReasons[string(reason)] {
		return p.ImmediateBase + time.Duration(attempts)*p.ImmediateStepPerAttempt
	}

	backoffDelay := time.Duration(float64(p.BaseDelay) * pow(1.5, attempts))
	if backoffDelay > p.MaxDelay {
		backoffDelay = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(p.JitterMax) + 1))
	return backoffDelay + jitter
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}
