// Package rehydrate is the boot-time pass that restarts every
// enabled=true instance from the metadata store, staggered so the
// process doesn't open every browser session at once.
package rehydrate

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
)

// Starter begins an instance's state machine, matching
// lifecycle.Controller.Start's signature.
type Starter func(instanceID string) error

// Rehydrator restarts every enabled instance on process boot.
type Rehydrator struct {
	meta   metastore.Store
	start  Starter
	logs   *logging.Bus
	policy config.Policy
}

// New builds a Rehydrator.
func New(meta metastore.Store, start Starter, logs *logging.Bus, policy config.Policy) *Rehydrator {
	return &Rehydrator{meta: meta, start: start, logs: logs, policy: policy}
}

// Run loads every enabled=true row and starts its session, staggered by
// RehydrateStagger (default 2s). It retries the initial
// metastore read with exponential backoff since the store may still be
// opening its connection pool at process start.
func (r *Rehydrator) Run(ctx context.Context) error {
	log := r.logs.Global()

	var rows []metastore.InstanceRecord
	op := func() error {
		var err error
		rows, err = r.meta.ListEnabled(ctx)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(op, b); err != nil {
		return err
	}

	log.Info().Int("count", len(rows)).Msg("rehydrating enabled instances")

	var restored, failed int
	for i, rec := range rows {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.policy.RehydrateStagger):
			}
		}

		masked := maskInstanceID(rec.ID)
		if err := r.start(rec.ID); err != nil {
			log.Warn().Str("instance_id", masked).Err(err).Msg("failed to rehydrate instance")
			failed++
			continue
		}
		restored++
	}

	log.Info().Int("restored", restored).Int("failed", failed).Msg("rehydrate pass complete")
	return nil
}

// maskInstanceID redacts the last four characters so phone-derived ids
// don't land in the logs verbatim.
func maskInstanceID(id string) string {
	if len(id) <= 4 {
		return id
	}
	return id[:len(id)-4] + "xxxx"
}
