package lifecycle

import (
	"context"
	"errors"

	"github.com/wagateway/engine/internal/engineerr"
	"github.com/wagateway/engine/internal/logging"
)

// Destroy is the teardown step ahead of a reconnect or stop: cancel
// every probe timer, call adapter.Destroy under DestroyTimeout
// (swallowing ErrAdapterTornDown, since the adapter going away mid-call
// is exactly what teardown wants), then drop the SessionState from the
// registry so the subsequent Start begins from a clean slate. It matches
// reconnect.Destroyer's signature and is wired into the Reconnector at
// construction time in cmd/gatewayd.
func (c *Controller) Destroy(id string) {
	log := c.logs.For(id, logging.CategoryLifecycle)

	s := c.registry.Get(id)
	if s == nil {
		return
	}
	if s.Timers != nil {
		s.Timers.CancelAll()
	}

	if s.Client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), c.policy.DestroyTimeout)
		err := s.Client.Destroy(ctx)
		cancel()
		if err != nil && !errors.Is(err, engineerr.ErrAdapterTornDown) {
			log.Warn().Err(err).Msg("adapter destroy returned an unexpected error")
		}
	}

	c.registry.Delete(id)
}
