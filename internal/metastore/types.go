// Package metastore is the instance metadata store: the durable table
// of per-instance intent, last-known status, and send credentials.
package metastore

import (
	"context"
	"time"
)

// InstanceRecord is one durable instances row.
type InstanceRecord struct {
	ID                   string
	Name                 string
	WebhookURL           string
	SistemaURL           string
	APIToken             string
	Phone                string
	Enabled              bool
	ConnectionStatus     string
	LastConnectionAt     *time.Time
	LastDisconnectReason string
	ReconnectAttempts    int
	CreatedAt            time.Time
}

// Store is the metadata store's consumed interface.
type Store interface {
	// Get returns the record for id, or engineerr.ErrNotFound.
	Get(ctx context.Context, id string) (InstanceRecord, error)

	// Upsert creates or fully replaces a record.
	Upsert(ctx context.Context, rec InstanceRecord) error

	// SetEnabled flips intent, backing the enable/disable endpoints.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// SetStatus persists observational status, last disconnect reason,
	// and reconnect attempt count together in one write. The lifecycle
	// controller is the only writer; the reconnector does not persist
	// status or reason itself.
	SetStatus(ctx context.Context, id string, status string, reason string, attempts int) error

	// SetPhone persists the paired phone number once known.
	SetPhone(ctx context.Context, id string, phone string) error

	// TouchConnected stamps LastConnectionAt=now on a CONNECTED
	// transition.
	TouchConnected(ctx context.Context, id string) error

	// ListEnabled returns every record with Enabled=true, the
	// rehydrator's sole input.
	ListEnabled(ctx context.Context) ([]InstanceRecord, error)

	// ListAll returns every record, enabled or not.
	ListAll(ctx context.Context) ([]InstanceRecord, error)

	// Delete removes a record entirely.
	Delete(ctx context.Context, id string) error

	// Close releases the underlying connection pool.
	Close() error
}
