package lifecycle

import (
	"context"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/registry"
)

// beginPromotion starts the AUTHENTICATED-to-CONNECTED polling loop:
// some environments never emit `ready` after `authenticated`, so the
// controller polls adapter.GetState() up to PromotionMaxPolls times,
// spaced PromotionPoll apart. The LifecyclePromotionRunning flag is a
// single-slot mutex preventing a second concurrent promotion attempt.
func (c *Controller) beginPromotion(id string) {
	var alreadyRunning bool
	c.registry.Mutate(id, func(s *registry.SessionState) {
		if s.LifecyclePromotionRunning {
			alreadyRunning = true
			return
		}
		s.LifecyclePromotionRunning = true
	})
	if alreadyRunning {
		return
	}

	go c.runPromotion(id)
}

func (c *Controller) runPromotion(id string) {
	log := c.logs.For(id, logging.CategoryLifecycle)
	defer c.registry.Mutate(id, func(s *registry.SessionState) {
		s.LifecyclePromotionRunning = false
	})

	for attempt := 0; attempt < c.policy.PromotionMaxPolls; attempt++ {
		s := c.registry.Get(id)
		if s == nil || s.Status != registry.StatusAuthenticated {
			// Session moved on (to CONNECTED via `ready`, or was torn
			// down) while we were about to poll; nothing left to do.
			return
		}

		time.Sleep(c.policy.PromotionPoll)

		ad := c.adapterFor(id)
		if ad == nil {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.policy.StateCheckTimeout)
		state, err := ad.GetState(ctx)
		cancel()
		if err != nil {
			log.Debug().Err(err).Int("attempt", attempt+1).Msg("promotion poll failed")
			continue
		}
		if state == adapter.StateConnected {
			c.promote(id)
			return
		}
	}

	log.Warn().Msg("promotion exhausted all polls without reaching CONNECTED")
	c.toSyncTimeout(id)
}

// promote handles the `ready` / observed-CONNECTED transition: arm
// probes, persist CONNECTED+phone, drain the pending queue, and schedule
// the reconnect-counter reset (resetAttemptsAfterStable).
func (c *Controller) promote(id string) {
	log := c.logs.For(id, logging.CategoryLifecycle)

	now := time.Now()
	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Status = registry.StatusConnected
		s.ConnectedSince = now
		s.LastActivity = now
		s.LastPingOK = now
	})

	phone := ""
	if client := c.adapterFor(id); client != nil {
		phone = client.Info().Phone
	}

	ctx := context.Background()
	if phone != "" {
		_ = c.meta.SetPhone(ctx, id, phone)
	}
	_ = c.meta.SetStatus(ctx, id, "CONNECTED", "", 0)
	_ = c.meta.TouchConnected(ctx, id)

	c.armProbes(id)
	c.notifyEvent(id, "connected", map[string]any{"phone": phone})

	log.Info().Msg("session promoted to CONNECTED")

	go c.drainAfterStabilize(id)
	go c.resetAttemptsAfterStable(id, now)
}

// resetAttemptsAfterStable clears reconnect_attempts only after
// CONNECTED has held uninterrupted for ReconnectResetAfter, not
// immediately on promotion.
func (c *Controller) resetAttemptsAfterStable(id string, connectedAt time.Time) {
	time.Sleep(c.policy.ReconnectResetAfter)

	s := c.registry.Get(id)
	if s == nil || s.Status != registry.StatusConnected || !s.ConnectedSince.Equal(connectedAt) {
		return
	}
	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.ReconnectAttempts = 0
	})
}

func (c *Controller) toSyncTimeout(id string) {
	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Status = registry.StatusSyncTimeout
	})
	ctx := context.Background()
	_ = c.meta.SetStatus(ctx, id, "SYNC_TIMEOUT", "", 0)
	if c.reconnect != nil {
		c.reconnect(id, adapter.ReasonSyncTimeout)
	}
}
