package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/engineerr"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/registry"
)

// sessionSender adapts one instance's live adapter to outbox.Sender,
// the narrow capability Manager.Drain needs.
type sessionSender struct {
	c  *Controller
	id string
}

func (s sessionSender) Send(ctx context.Context, msg adapter.OutboundMessage) error {
	return s.c.sendNow(ctx, s.id, msg)
}

func (s sessionSender) StillConnected() bool {
	st := s.c.registry.Get(s.id)
	return st != nil && st.Status == registry.StatusConnected
}

// sendNow delivers msg immediately via the live adapter. Callers that
// are not CONNECTED must enqueue via outboxMgr.Enqueue instead.
func (c *Controller) sendNow(ctx context.Context, id string, msg adapter.OutboundMessage) error {
	ad := c.adapterFor(id)
	if ad == nil {
		return engineerr.ErrNotFound
	}

	start := time.Now()
	err := ad.SendMessage(ctx, msg)
	if c.metrics != nil {
		c.metrics.ObserveSend(time.Since(start))
	}
	if err == nil {
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.LastActivity = time.Now()
		})
	}
	return err
}

// SendOrEnqueue delivers immediately when the instance is CONNECTED,
// otherwise appends to the pending queue for
// delivery once the session next reaches CONNECTED. It is the only entry
// point httpapi's send-text/send-media handlers use.
func (c *Controller) SendOrEnqueue(ctx context.Context, id string, msg adapter.OutboundMessage) (queued bool, position int, messageID string, err error) {
	s := c.registry.Get(id)
	if s != nil && s.Status == registry.StatusConnected {
		err = c.sendNow(ctx, id, msg)
		if err == nil {
			return false, 0, "", nil
		}
		// Queue only when the failure means the connection is gone; a
		// plain rejection (bad recipient, oversized media) goes back to
		// the caller instead of being retried against the same input.
		if !errors.Is(err, engineerr.ErrAdapterTornDown) && !errors.Is(err, engineerr.ErrTimeout) {
			return false, 0, "", err
		}
	}

	position, messageID = c.outboxMgr.Enqueue(id, toPending(msg))
	return true, position, messageID, nil
}

func toPending(msg adapter.OutboundMessage) outbox.PendingMessage {
	if msg.Kind == "media" {
		return outbox.PendingMessage{Kind: outbox.KindMedia, To: msg.To, MediaRef: msg.Media, Caption: msg.Caption}
	}
	return outbox.PendingMessage{Kind: outbox.KindText, To: msg.To, Content: msg.Text}
}

// drainAfterStabilize waits DrainStabilizeDelay after promotion so the
// adapter's socket settles, then flushes the pending queue FIFO, paced
// DrainPacing apart.
func (c *Controller) drainAfterStabilize(id string) {
	time.Sleep(c.policy.DrainStabilizeDelay)

	s := c.registry.Get(id)
	if s == nil || s.Status != registry.StatusConnected {
		return
	}

	log := c.logs.For(id, logging.CategoryOutbox)
	if c.outboxMgr.Len(id) == 0 {
		return
	}

	log.Info().Int("depth", c.outboxMgr.Len(id)).Msg("draining pending queue")

	ctx := context.Background()
	sender := sessionSender{c: c, id: id}
	c.outboxMgr.Drain(ctx, id, sender, c.policy.DrainPacing, func(instanceID string, msg outbox.PendingMessage, reason string) {
		dropLog := c.logs.For(instanceID, logging.CategoryOutbox)
		dropLog.Warn().
			Str("message_id", msg.ID).Str("reason", reason).Msg("dropped queued message")
		c.notifyEvent(instanceID, "message_dropped", map[string]any{
			"message_id": msg.ID,
			"reason":     reason,
		})
	})
}
