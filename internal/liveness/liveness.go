// Package liveness is the global recovery sweep: it scans every
// registered session and every enabled instance row, classifying
// zombie/stuck/inactive sessions and feeding failures to the
// reconnector. It also doubles as the process memory monitor.
package liveness

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/metrics"
	"github.com/wagateway/engine/internal/registry"
)

// Starter begins (or resumes) an instance's state machine, matching
// reconnect.Starter's signature. Implemented by lifecycle.Controller.Start.
type Starter func(instanceID string) error

// ReconnectTrigger schedules a reconnect, matching lifecycle.ReconnectTrigger.
type ReconnectTrigger func(instanceID string, reason adapter.DisconnectReason)

// Supervisor owns the recovery sweep and the memory monitor.
type Supervisor struct {
	registry  *registry.Registry
	meta      metastore.Store
	start     Starter
	reconnect ReconnectTrigger
	metrics   *metrics.Collectors
	logs      *logging.Bus
	policy    config.Policy

	heapHistory []uint64
}

// New builds a Supervisor. start and reconnect are supplied by the
// wiring code in cmd/gatewayd, the same function-value pattern
// internal/lifecycle and internal/reconnect use to avoid import cycles.
func New(reg *registry.Registry, meta metastore.Store, start Starter, reconnect ReconnectTrigger, m *metrics.Collectors, logs *logging.Bus, policy config.Policy) *Supervisor {
	return &Supervisor{
		registry:  reg,
		meta:      meta,
		start:     start,
		reconnect: reconnect,
		metrics:   m,
		logs:      logs,
		policy:    policy,
	}
}

// Run blocks running the recovery sweep and memory monitor loops until
// ctx is cancelled. Both run on their own tickers since
// RecoveryCheckInterval (default 60s) and MemoryCheckInterval
// (default 900s) are independent.
func (s *Supervisor) Run(ctx context.Context) {
	go s.runRecoverySweep(ctx)
	s.runMemoryMonitor(ctx)
}

func (s *Supervisor) runRecoverySweep(ctx context.Context) {
	ticker := time.NewTicker(s.policy.RecoveryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one recovery pass: reconnect zombies,
// restart enabled instances with no live session, and restart sessions
// whose status is terminal-but-should-not-be.
func (s *Supervisor) sweep(ctx context.Context) {
	log := s.logs.For("", logging.CategoryLiveness)
	now := time.Now()

	var zombies, stuck, inactive int
	live := make(map[string]bool)

	for _, sess := range s.registry.Snapshot() {
		live[sess.InstanceID] = true
		switch s.classify(sess, now) {
		case classZombie:
			zombies++
			log.Warn().Str("instance_id", sess.InstanceID).Msg("zombie session detected, reconnecting")
			s.reconnect(sess.InstanceID, adapter.ReasonZombie)
		case classStuck:
			stuck++
			log.Warn().Str("instance_id", sess.InstanceID).Msg("stuck session detected, reconnecting")
			s.reconnect(sess.InstanceID, adapter.ReasonStuck)
		case classInactive:
			inactive++
			// Inactive sessions are only counted here (for the
			// liveness gauges); the sweep runs no heartbeat of its own
			// and never reconnects them. Their only probe is the
			// lifecycle controller's periodic heartbeat loop.
		}

		if sess.Status == registry.StatusInitError || sess.Status == registry.StatusAuthFailure {
			if enabled := s.instanceEnabled(ctx, sess.InstanceID); enabled {
				log.Info().Str("instance_id", sess.InstanceID).Msg("restarting enabled instance stuck in terminal state")
				_ = s.start(sess.InstanceID)
			}
		}
	}

	if s.metrics != nil {
		s.metrics.LivenessZombies.Set(float64(zombies))
		s.metrics.LivenessStuck.Set(float64(stuck))
		s.metrics.LivenessInactive.Set(float64(inactive))
	}

	rows, err := s.meta.ListEnabled(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list enabled instances during recovery sweep")
		return
	}
	for _, row := range rows {
		if !live[row.ID] {
			log.Info().Str("instance_id", row.ID).Msg("enabled instance has no live session, restarting")
			_ = s.start(row.ID)
		}
	}
}

type class int

const (
	classNone class = iota
	classZombie
	classStuck
	classInactive
)

// classify buckets a session as zombie, stuck, or inactive.
func (s *Supervisor) classify(sess registry.SessionState, now time.Time) class {
	switch {
	case sess.Status == registry.StatusConnected && !sess.LastPingOK.IsZero() && now.Sub(sess.LastPingOK) > s.policy.ZombieThreshold:
		return classZombie
	case (sess.Status == registry.StatusInitializing || sess.Status == registry.StatusLoading) &&
		!sess.LoadingStartedAt.IsZero() && now.Sub(sess.LoadingStartedAt) > s.policy.StuckThreshold:
		return classStuck
	case sess.Status == registry.StatusConnected && !sess.LastActivity.IsZero() && now.Sub(sess.LastActivity) > s.policy.InactivityThreshold:
		return classInactive
	default:
		return classNone
	}
}

// runMemoryMonitor samples heap usage every MemoryCheckInterval, keeps
// a short history, flags a
// suspected leak when the heap is non-decreasing over the last five
// samples, and under heap-critical force a GC and reconnect the oldest
// CONNECTED session to shed state.
func (s *Supervisor) runMemoryMonitor(ctx context.Context) {
	log := s.logs.For("", logging.CategoryLiveness)
	ticker := time.NewTicker(s.policy.MemoryCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)

			if s.metrics != nil {
				s.metrics.MemoryHeapBytes.Set(float64(ms.HeapAlloc))
			}

			s.heapHistory = append(s.heapHistory, ms.HeapAlloc)
			if len(s.heapHistory) > 5 {
				s.heapHistory = s.heapHistory[len(s.heapHistory)-5:]
			}

			if leaking(s.heapHistory) {
				log.Warn().Uint64("heap_alloc", ms.HeapAlloc).Msg("suspected memory leak: heap non-decreasing over last 5 samples")
			}

			if s.heapCritical(ms) {
				log.Warn().Uint64("heap_alloc", ms.HeapAlloc).Msg("heap critical, forcing GC and shedding oldest session")
				debug.FreeOSMemory()
				s.shedOldestConnected()
			}
		}
	}
}

// leaking reports whether each sample in history is >= the previous
// one, the non-decreasing-over-five-samples leak signal.
func leaking(history []uint64) bool {
	if len(history) < 5 {
		return false
	}
	for i := 1; i < len(history); i++ {
		if history[i] < history[i-1] {
			return false
		}
	}
	return true
}

// heapCritical treats a heap allocation above 85% of the runtime's soft
// memory limit (where one is set via GOMEMLIMIT/debug.SetMemoryLimit) as
// critical. With no limit configured, debug.SetMemoryLimit(-1) returns
// math.MaxInt64 and this never trips.
func (s *Supervisor) heapCritical(ms runtime.MemStats) bool {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == int64(^uint64(0)>>1) {
		return false
	}
	return float64(ms.HeapAlloc) > 0.85*float64(limit)
}

func (s *Supervisor) shedOldestConnected() {
	var oldestID string
	var oldestSince time.Time

	for _, sess := range s.registry.Snapshot() {
		if sess.Status != registry.StatusConnected {
			continue
		}
		if oldestID == "" || sess.ConnectedSince.Before(oldestSince) {
			oldestID = sess.InstanceID
			oldestSince = sess.ConnectedSince
		}
	}
	if oldestID != "" {
		s.reconnect(oldestID, adapter.ReasonMemoryPressure)
	}
}

func (s *Supervisor) instanceEnabled(ctx context.Context, id string) bool {
	rec, err := s.meta.Get(ctx, id)
	if err != nil {
		return false
	}
	return rec.Enabled
}
