package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/engineerr"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/registry"
)

// armProbes starts the probe loops that run while CONNECTED: heartbeat,
// deep-check, and watchdog. The recovery sweep is global, owned by
// internal/liveness, and not armed here.
// Each loop owns a context whose cancel func is stored on the
// SessionState's TimerSet so leaving CONNECTED cancels them collectively.
func (c *Controller) armProbes(id string) {
	hbCtx, hbCancel := context.WithCancel(context.Background())
	dcCtx, dcCancel := context.WithCancel(context.Background())
	wdCtx, wdCancel := context.WithCancel(context.Background())

	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Timers = &registry.TimerSet{
			Heartbeat: hbCancel,
			DeepCheck: dcCancel,
			Watchdog:  wdCancel,
		}
	})

	go c.heartbeatLoop(id, hbCtx)
	go c.deepCheckLoop(id, dcCtx)
	go c.watchdogLoop(id, wdCtx)
}

// isReconnecting reports whether id's session has reconnecting=true or
// is no longer registered, in which case every probe is a no-op.
func (c *Controller) isReconnecting(id string) bool {
	s := c.registry.Get(id)
	return s == nil || s.Reconnecting
}

func (c *Controller) heartbeatLoop(id string, ctx context.Context) {
	ticker := time.NewTicker(c.policy.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runHeartbeat(id)
		}
	}
}

func (c *Controller) runHeartbeat(id string) {
	if c.isReconnecting(id) {
		return
	}
	log := c.logs.For(id, logging.CategoryLiveness)

	ad := c.adapterFor(id)
	if ad == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.StateCheckTimeout)
	state, err := ad.GetState(ctx)
	cancel()

	if err != nil {
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("heartbeat").Inc()
		}
		contextErr := errors.Is(err, engineerr.ErrAdapterTornDown)
		var reason adapter.DisconnectReason
		var shouldReconnect bool
		c.registry.Mutate(id, func(s *registry.SessionState) {
			if contextErr {
				s.ContextErrorCount++
			} else {
				s.ConsecutivePingFailures++
			}
			if s.ContextErrorCount >= c.policy.MaxContextErrors {
				reason = adapter.ReasonContextErrors
				shouldReconnect = true
			} else if s.ConsecutivePingFailures >= c.policy.MaxConsecutiveFailures {
				reason = adapter.ReasonConsecutiveHeartbeatFailure
				shouldReconnect = true
			}
		})
		if shouldReconnect {
			log.Warn().Str("reason", string(reason)).Msg("heartbeat failure threshold reached")
			c.triggerProbeReconnect(id, reason)
		}
		return
	}

	if state == adapter.StateConflict {
		ctx2, cancel2 := context.WithTimeout(context.Background(), c.policy.StateCheckTimeout)
		_ = ad.Takeover(ctx2)
		cancel2()
		return
	}

	if state != adapter.StateConnected {
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("heartbeat").Inc()
		}
		c.triggerProbeReconnect(id, adapter.ReasonConsecutiveHeartbeatFailure)
		return
	}

	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.LastPingOK = time.Now()
		s.ConsecutivePingFailures = 0
		s.ContextErrorCount = 0
	})
}

func (c *Controller) deepCheckLoop(id string, ctx context.Context) {
	ticker := time.NewTicker(c.policy.DeepCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runDeepCheck(id)
		}
	}
}

func (c *Controller) runDeepCheck(id string) {
	if c.isReconnecting(id) {
		return
	}
	ad := c.adapterFor(id)
	if ad == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.DeepCheckTimeout)
	state, err := ad.GetState(ctx)
	cancel()

	if err != nil || state != adapter.StateConnected {
		if c.metrics != nil {
			c.metrics.ProbeFailures.WithLabelValues("deep_check").Inc()
		}
		c.triggerProbeReconnect(id, adapter.ReasonOther)
		return
	}

	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.LastDeepCheckOK = time.Now()
	})
}

func (c *Controller) watchdogLoop(id string, ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.isReconnecting(id) {
				continue
			}
			s := c.registry.Get(id)
			if s == nil {
				return
			}
			if !s.LastPingOK.IsZero() && time.Since(s.LastPingOK) > c.policy.PingTimeoutThreshold {
				if c.metrics != nil {
					c.metrics.ProbeFailures.WithLabelValues("watchdog").Inc()
				}
				c.triggerProbeReconnect(id, adapter.ReasonConsecutiveHeartbeatFailure)
			}
		}
	}
}

// triggerProbeReconnect marks the session DISCONNECTED (a probe-induced
// failure is still a disconnect) and hands off to onDisconnected's
// single code path, instead of duplicating the persist-and-schedule
// logic here.
func (c *Controller) triggerProbeReconnect(id string, reason adapter.DisconnectReason) {
	c.onDisconnected(id, reason)
}
