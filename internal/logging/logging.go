// Package logging is the engine's structured log bus: every other
// component logs through it, tagging each event with an instance id and
// a category, never writing to stdout directly.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Category buckets events for operators filtering the log stream.
type Category string

const (
	CategoryLifecycle Category = "lifecycle"
	CategoryLiveness  Category = "liveness"
	CategoryReconnect Category = "reconnect"
	CategoryOutbox    Category = "outbox"
	CategoryRehydrate Category = "rehydrate"
	CategoryShutdown  Category = "shutdown"
	CategoryHTTP      Category = "http"
	CategoryStore     Category = "store"
	CategoryWebhook   Category = "webhook"
	CategoryResponder Category = "responder"
)

// Bus is the shared logger every component is constructed with.
type Bus struct {
	base zerolog.Logger
}

// New builds a Bus writing to w at the given level ("debug", "info",
// "warn", "error"). An empty/unknown level falls back to info.
func New(w io.Writer, level string) *Bus {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	base := zerolog.New(w).With().Timestamp().Logger().Level(lvl)
	return &Bus{base: base}
}

// For returns a logger pre-tagged with instance and category.
func (b *Bus) For(instanceID string, category Category) zerolog.Logger {
	ctx := b.base.With().Str("category", string(category))
	if instanceID != "" {
		ctx = ctx.Str("instance_id", instanceID)
	}
	return ctx.Logger()
}

// Global returns the bus's un-tagged logger, for process-level events
// (boot, shutdown) that aren't scoped to one instance.
func (b *Bus) Global() zerolog.Logger {
	return b.base
}
