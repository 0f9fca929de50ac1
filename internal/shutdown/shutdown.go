// Package shutdown handles SIGINT/SIGTERM with a hard deadline,
// quiescing every registered session before the process exits.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/registry"
)

// Destroyer tears down one instance's adapter, matching
// reconnect.Destroyer's signature. Implemented by lifecycle.Controller.Destroy.
type Destroyer func(instanceID string)

// Persister records an instance's final DISCONNECTED status in the
// metadata store before its adapter is torn down.
type Persister func(instanceID string)

// Coordinator owns the process's graceful-shutdown sequence.
type Coordinator struct {
	registry *registry.Registry
	destroy  Destroyer
	persist  Persister
	logs     *logging.Bus
	policy   config.Policy
}

// New builds a Coordinator. persist may be nil.
func New(reg *registry.Registry, destroy Destroyer, persist Persister, logs *logging.Bus, policy config.Policy) *Coordinator {
	return &Coordinator{registry: reg, destroy: destroy, persist: persist, logs: logs, policy: policy}
}

// Wait blocks until SIGINT/SIGTERM or ctx is cancelled, then runs
// Quiesce under GracefulShutdownTimeout (default 30s) before returning.
func (c *Coordinator) Wait(ctx context.Context) {
	log := c.logs.Global()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
		log.Warn().Msg("shutdown triggered by context cancellation")
	}

	deadline, cancel := context.WithTimeout(context.Background(), c.policy.GracefulShutdownTimeout)
	defer cancel()
	c.Quiesce(deadline)
}

// Quiesce marks every registered session ShuttingDown and tears down its
// adapter concurrently, returning either when every session is torn down
// or ctx's deadline passes, whichever is first.
func (c *Coordinator) Quiesce(ctx context.Context) {
	log := c.logs.Global()
	ids := c.registry.Enumerate()
	log.Info().Int("count", len(ids)).Msg("quiescing sessions for shutdown")

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		c.registry.Mutate(id, func(s *registry.SessionState) {
			s.ShuttingDown = true
		})
		if c.persist != nil {
			c.persist(id)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			c.destroy(id)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all sessions quiesced")
	case <-ctx.Done():
		log.Warn().Msg("shutdown deadline reached before every session quiesced")
	}
}
