// Package lifecycle is the per-instance state machine driver: it drains
// each adapter's typed event channel, applies the transition table, and
// arms/disarms the probe set. One event loop per instance replaces N
// independent callbacks each mutating shared state under its own lock.
package lifecycle

import (
	"context"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/authstore"
	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/metrics"
	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/registry"
)

// ReconnectTrigger schedules a reconnect for instanceID for reason. It is
// implemented by internal/reconnect.Reconnector and injected as a plain
// function value to avoid an import cycle between the two packages.
type ReconnectTrigger func(instanceID string, reason adapter.DisconnectReason)

// WebhookNotifier fires a best-effort event notification. Implemented by
// internal/webhook.Dispatcher.
type WebhookNotifier func(instanceID string, event string, payload map[string]any)

// MessageHook receives inbound messages once the lifecycle controller has
// stamped activity. Implemented by internal/airesponder.Responder; left
// nil when no auto-responder is configured.
type MessageHook func(instanceID, chat, sender, text string)

// Controller drives every instance's state machine.
type Controller struct {
	registry  *registry.Registry
	factory   adapter.Factory
	meta      metastore.Store
	blobs     authstore.Store
	outboxMgr *outbox.Manager
	metrics   *metrics.Collectors
	logs      *logging.Bus
	policy    config.Policy
	reconnect ReconnectTrigger
	notify    WebhookNotifier
	onMessage MessageHook
}

// New builds a Controller. reconnect is wired after construction via
// SetReconnectTrigger since the reconnector itself needs the
// controller's Start method to build its own trigger.
func New(reg *registry.Registry, factory adapter.Factory, meta metastore.Store, blobs authstore.Store,
	outboxMgr *outbox.Manager, m *metrics.Collectors, logs *logging.Bus, policy config.Policy, notify WebhookNotifier) *Controller {
	return &Controller{
		registry:  reg,
		factory:   factory,
		meta:      meta,
		blobs:     blobs,
		outboxMgr: outboxMgr,
		metrics:   m,
		logs:      logs,
		policy:    policy,
		notify:    notify,
	}
}

// SetReconnectTrigger wires the reconnector's trigger function after
// both components exist, breaking the natural construction cycle
// (lifecycle needs to call reconnect; reconnect needs to call Start).
func (c *Controller) SetReconnectTrigger(trigger ReconnectTrigger) {
	c.reconnect = trigger
}

// SetMessageHook wires an inbound-message consumer (the auto-responder).
func (c *Controller) SetMessageHook(hook MessageHook) {
	c.onMessage = hook
}

// Start begins (or resumes) instance id's state machine. It persists
// RECONNECTING in the metadata store, marks loading_started_at, and
// launches adapter initialization under InitTimeout in a new goroutine.
// Start returns once the goroutine is launched; it does not block for
// the connection to complete.
func (c *Controller) Start(id string) error {
	log := c.logs.For(id, logging.CategoryLifecycle)

	c.registry.GetOrCreate(id)
	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Status = registry.StatusInitializing
		s.LoadingStartedAt = time.Now()
		s.Reconnecting = false
	})

	ctx := context.Background()
	if err := c.meta.SetStatus(ctx, id, "RECONNECTING", "", 0); err != nil {
		log.Warn().Err(err).Msg("failed to persist RECONNECTING status on start")
	}

	go c.runInitialize(id)
	return nil
}

// runInitialize drives the INITIALIZING phase: build a fresh adapter,
// call Initialize under InitTimeout, then hand off to the event loop.
func (c *Controller) runInitialize(id string) {
	log := c.logs.For(id, logging.CategoryLifecycle)

	ctx, cancel := context.WithTimeout(context.Background(), c.policy.InitTimeout)
	defer cancel()

	ad, err := c.factory(ctx, id)
	if err != nil {
		log.Error().Err(err).Msg("adapter factory failed")
		c.toInitError(id, err)
		return
	}

	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Client = ad
	})

	if err := ad.Initialize(ctx); err != nil {
		log.Error().Err(err).Msg("adapter initialize failed")
		c.toInitError(id, err)
		return
	}

	c.eventLoop(id, ad)
}

// eventLoop drains the adapter's event channel for the lifetime of the
// session, applying the transition table. It returns when the
// channel closes (adapter torn down) or the session is deleted from the
// registry (reconnect teardown).
func (c *Controller) eventLoop(id string, ad adapter.Adapter) {
	log := c.logs.For(id, logging.CategoryLifecycle)

	for evt := range ad.Events() {
		s := c.registry.Get(id)
		if s == nil {
			return
		}
		log.Debug().Int("kind", int(evt.Kind)).Msg("adapter event")
		c.handleEvent(id, evt)
	}
}

func (c *Controller) handleEvent(id string, evt adapter.Event) {
	switch evt.Kind {
	case adapter.EventQR:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.Status = registry.StatusQRRequired
			s.QR = evt.QR
			s.LoadingStartedAt = time.Time{}
		})
		c.notifyEvent(id, "qr_required", map[string]any{"qr": evt.QR})

	case adapter.EventLoading:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			if s.LoadingStartedAt.IsZero() {
				s.LoadingStartedAt = time.Now()
			}
			s.Status = registry.StatusLoading
			s.LoadingPct = evt.Percent
		})

	case adapter.EventAuthenticated:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.Status = registry.StatusAuthenticated
			s.AuthenticatedAt = time.Now()
		})
		c.beginPromotion(id)

	case adapter.EventReady:
		c.promote(id)

	case adapter.EventAuthFailure:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.Status = registry.StatusAuthFailure
		})
		ctx := context.Background()
		_ = c.meta.SetStatus(ctx, id, "AUTH_FAILURE", evt.AuthFailMsg, 0)
		c.notifyEvent(id, "auth_failure", map[string]any{"message": evt.AuthFailMsg})

	case adapter.EventDisconnected:
		c.onDisconnected(id, evt.Reason)

	case adapter.EventChangeState:
		if evt.State == adapter.StateConnected {
			s := c.registry.Get(id)
			if s != nil && s.Status != registry.StatusConnected {
				c.promote(id)
			}
		} else if evt.State == adapter.StateConflict {
			if ad := c.adapterFor(id); ad != nil {
				ctx, cancel := context.WithTimeout(context.Background(), c.policy.StateCheckTimeout)
				_ = ad.Takeover(ctx)
				cancel()
			}
		} else if evt.State == adapter.StateUnpaired {
			c.registry.Mutate(id, func(s *registry.SessionState) {
				s.Status = registry.StatusQRRequired
			})
			_ = c.blobs.Delete(context.Background(), id)
		}

	case adapter.EventRemoteSessionSaved:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.LastActivity = time.Now()
		})

	case adapter.EventMessage:
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.LastActivity = time.Now()
		})
		if !evt.FromMe {
			c.notifyEvent(id, "message", map[string]any{
				"chat":   evt.Chat,
				"sender": evt.Sender,
				"text":   evt.Text,
			})
			if c.onMessage != nil && evt.Text != "" {
				c.onMessage(id, evt.Chat, evt.Sender, evt.Text)
			}
		}
	}
}

func (c *Controller) adapterFor(id string) adapter.Adapter {
	s := c.registry.Get(id)
	if s == nil {
		return nil
	}
	return s.Client
}

func (c *Controller) toInitError(id string, cause error) {
	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Status = registry.StatusInitError
	})
	ctx := context.Background()
	_ = c.meta.SetStatus(ctx, id, "INIT_ERROR", cause.Error(), 0)
	if c.reconnect != nil {
		c.reconnect(id, adapter.ReasonInitError)
	}
}

// onDisconnected handles `disconnected(reason)`: stop probes, persist,
// classify, and either permanently disable (a no-reconnect reason) or
// hand off to the reconnector.
func (c *Controller) onDisconnected(id string, reason adapter.DisconnectReason) {
	log := c.logs.For(id, logging.CategoryLifecycle)

	c.registry.Mutate(id, func(s *registry.SessionState) {
		s.Timers.CancelAll()
		s.Status = registry.StatusDisconnected
		s.DisconnectedAt = time.Now()
		s.LastDisconnectReason = reason
	})

	ctx := context.Background()
	attempts := 0
	if s := c.registry.Get(id); s != nil {
		attempts = s.ReconnectAttempts
	}
	_ = c.meta.SetStatus(ctx, id, "DISCONNECTED", string(reason), attempts)

	c.notifyEvent(id, "disconnected", map[string]any{"reason": string(reason)})

	if config.NoReconnectReasons[string(reason)] {
		log.Warn().Str("reason", string(reason)).Msg("permanent disconnect reason, disabling instance")
		_ = c.meta.SetEnabled(ctx, id, false)
		return
	}

	if c.reconnect != nil {
		c.reconnect(id, reason)
	}
}

func (c *Controller) notifyEvent(id, event string, payload map[string]any) {
	if c.notify != nil {
		c.notify(id, event, payload)
	}
}
