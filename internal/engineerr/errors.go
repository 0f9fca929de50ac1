// Package engineerr defines the engine's error taxonomy: a small set of
// sentinel kinds every external-call site normalizes onto, so handlers
// can branch on errors.Is instead of string-matching.
package engineerr

import "errors"

// ErrAdapterTornDown covers "context destroyed" / "target closed"
// failures: the adapter process boundary went away mid-call. Callers
// treat it like any other transient failure, never as a bug.
var ErrAdapterTornDown = errors.New("adapter torn down")

// ErrTimeout marks a call-site timeout (initialize, getState, destroy,
// sendMessage, database operations).
var ErrTimeout = errors.New("operation timed out")

// ErrNotFound marks a missing instance, session, or queued message.
var ErrNotFound = errors.New("not found")
