// Command gatewayd runs the multi-tenant WhatsApp gateway's session
// lifecycle engine: it wires the registry, lifecycle controller,
// reconnector, liveness supervisor, outbox, rehydrator, and the HTTP
// control surface together, then blocks until a shutdown signal.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waTypes "go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/wagateway/engine/internal/adapter"
	"github.com/wagateway/engine/internal/airesponder"
	"github.com/wagateway/engine/internal/authstore"
	"github.com/wagateway/engine/internal/config"
	"github.com/wagateway/engine/internal/convcache"
	"github.com/wagateway/engine/internal/dashboard"
	"github.com/wagateway/engine/internal/httpapi"
	"github.com/wagateway/engine/internal/lifecycle"
	"github.com/wagateway/engine/internal/liveness"
	"github.com/wagateway/engine/internal/logging"
	"github.com/wagateway/engine/internal/metastore"
	"github.com/wagateway/engine/internal/metrics"
	"github.com/wagateway/engine/internal/outbox"
	"github.com/wagateway/engine/internal/ratelimit"
	"github.com/wagateway/engine/internal/reconnect"
	"github.com/wagateway/engine/internal/registry"
	"github.com/wagateway/engine/internal/rehydrate"
	"github.com/wagateway/engine/internal/shutdown"
	"github.com/wagateway/engine/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	env := config.FromEnviron()
	policy := config.Default()

	logs := logging.New(os.Stdout, env.LogLevel)
	log := logs.Global()
	log.Info().Int("port", env.Port).Msg("gatewayd starting")

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	promReg := prometheus.NewRegistry()
	collectors := metrics.New(promReg)

	meta, err := metastore.Open(env.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	blobs, err := authstore.NewFileStore(env.SessionStoragePath)
	if err != nil {
		return fmt.Errorf("open auth blob store: %w", err)
	}

	container, err := openDeviceContainer(rootCtx, env)
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}

	reg := registry.New()
	outboxMgr := outbox.NewManager(policy.MaxQueueSize, policy.MessageTTL, policy.MaxSendRetries, collectors)
	dispatcher := webhook.New(meta, logs, 10*time.Second, 8)

	factory := deviceFactory(container, meta, env.LogLevel)

	ctrl := lifecycle.New(reg, factory, meta, blobs, outboxMgr, collectors, logs, policy, dispatcher.Notify)
	rec := reconnect.New(reg, ctrl.Start, ctrl.Destroy, collectors, logs, policy)
	ctrl.SetReconnectTrigger(rec.Trigger)

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		history := convcache.New(1000, promReg)
		go history.RunCleanup(rootCtx, 5*time.Minute)
		responder := airesponder.New(key, os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_MODEL"), history, func(ctx context.Context, id string, msg adapter.OutboundMessage) error {
			_, _, _, sendErr := ctrl.SendOrEnqueue(ctx, id, msg)
			return sendErr
		}, logs)
		ctrl.SetMessageHook(responder.HandleInbound)
		log.Info().Msg("AI auto-responder enabled")
	}

	supervisor := liveness.New(reg, meta, ctrl.Start, rec.Trigger, collectors, logs, policy)
	go supervisor.Run(rootCtx)

	go exportSessionGauges(rootCtx, reg, collectors)

	limiter := ratelimit.New(rate.Limit(10), 20)
	go limiter.RunCleanup(rootCtx, time.Minute, 10*time.Minute)

	api := httpapi.New(reg, ctrl, rec.Trigger, meta, blobs, outboxMgr, limiter, logs)
	dash := dashboard.New(reg, outboxMgr, promReg)

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/metrics", dash)
	mux.Handle("/stats", dash)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", env.Port),
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	rh := rehydrate.New(meta, ctrl.Start, logs, policy)
	go func() {
		if err := rh.Run(rootCtx); err != nil {
			log.Error().Err(err).Msg("rehydrate pass failed")
		}
	}()

	coord := shutdown.New(reg, ctrl.Destroy, func(id string) {
		attempts := 0
		if s := reg.Get(id); s != nil {
			attempts = s.ReconnectAttempts
		}
		_ = meta.SetStatus(context.Background(), id, "DISCONNECTED", "SHUTDOWN", attempts)
	}, logs, policy)
	coord.Wait(rootCtx)

	cancel()
	shutdownCtx, srvCancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	srvCancel()

	dispatcher.Drain()
	if err := meta.Close(); err != nil {
		log.Warn().Err(err).Msg("closing metadata store failed")
	}
	log.Info().Msg("gatewayd stopped")
	return nil
}

// openDeviceContainer opens the whatsmeow device store with retry, the
// same backoff-wrapped bootstrap the engine's metadata store uses.
func openDeviceContainer(ctx context.Context, env config.Env) (*sqlstore.Container, error) {
	if err := os.MkdirAll(env.CachePath, 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&cache=shared&mode=rwc",
		filepath.Join(env.CachePath, "devices.db"))
	waLogger := waLog.Stdout("Device", strings.ToUpper(env.LogLevel), false)

	var container *sqlstore.Container
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 25 * time.Second
	b.InitialInterval = time.Second

	err := backoff.Retry(func() error {
		var openErr error
		container, openErr = sqlstore.New(ctx, "sqlite", dsn, waLogger)
		return openErr
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return container, nil
}

// deviceFactory builds the adapter.Factory the lifecycle controller and
// reconnector use: a warm boot reuses the device already paired to the
// instance's stored phone, anything else starts a fresh device and goes
// through QR pairing.
func deviceFactory(container *sqlstore.Container, meta metastore.Store, logLevel string) adapter.Factory {
	return func(ctx context.Context, instanceID string) (adapter.Adapter, error) {
		waLogger := waLog.Stdout("Client-"+instanceID, strings.ToUpper(logLevel), false)

		var existing *waTypes.JID
		if rec, err := meta.Get(ctx, instanceID); err == nil && rec.Phone != "" {
			devices, err := container.GetAllDevices(ctx)
			if err == nil {
				for _, dev := range devices {
					if dev.ID != nil && dev.ID.User == rec.Phone {
						jid := *dev.ID
						existing = &jid
						break
					}
				}
			}
		}

		return adapter.NewWhatsmeowAdapter(ctx, container, waLogger, existing)
	}
}

// exportSessionGauges keeps the sessions-by-status gauge current for
// /metrics, sampled every 15s.
func exportSessionGauges(ctx context.Context, reg *registry.Registry, collectors *metrics.Collectors) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	statuses := []registry.Status{
		registry.StatusInitializing, registry.StatusLoading, registry.StatusQRRequired,
		registry.StatusAuthenticated, registry.StatusConnected, registry.StatusSyncTimeout,
		registry.StatusDisconnected, registry.StatusAuthFailure, registry.StatusInitError,
		registry.StatusReconnecting,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := reg.CountByStatus()
			for _, st := range statuses {
				collectors.SessionsByStatus.WithLabelValues(st.String()).Set(float64(counts[st]))
			}
		}
	}
}
