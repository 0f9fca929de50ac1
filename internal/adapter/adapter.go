package adapter

import "context"

// Adapter is the narrow interface the rest of the engine consumes. It is
// satisfied by WhatsmeowAdapter in production and by a fake in tests.
type Adapter interface {
	// Initialize starts the underlying browser-backed client. It must
	// respect ctx's deadline; a caller-side timeout is treated as
	// failure.
	Initialize(ctx context.Context) error

	// GetState returns the adapter's current connection state.
	GetState(ctx context.Context) (ConnState, error)

	// Destroy tears the adapter down. Implementations must swallow
	// ErrAdapterTornDown-class errors rather than propagate them,
	// since by the time Destroy is called the process boundary may
	// already be gone.
	Destroy(ctx context.Context) error

	// SendMessage delivers one outbound message synchronously.
	SendMessage(ctx context.Context, msg OutboundMessage) error

	// Takeover attempts a protocol-level reclaim from a conflicting
	// client holding the session open elsewhere.
	Takeover(ctx context.Context) error

	// Events returns the adapter's event channel. Calling Events
	// twice returns the same channel; it is closed by Destroy.
	Events() <-chan Event

	// Info returns what's known about the paired account so far.
	Info() Info
}

// Factory constructs a fresh Adapter for an instance id. The reconnector
// and lifecycle controller use this to get a brand-new adapter handle
// on every (re)start, since a torn-down adapter cannot be reused.
type Factory func(ctx context.Context, instanceID string) (Adapter, error)
