// Package adapter wraps the browser-backed WhatsApp Web client.
// It is the engine's only external collaborator that crosses a process
// boundary; everything upstream treats it as opaque.
package adapter

import "time"

// ConnState is the adapter's observable connection state.
type ConnState int

const (
	StateUnknown ConnState = iota
	StateConnected
	StateOpening
	StatePairing
	StateUnpaired
	StateUnpairedIdle
	StateConflict
	StateTimeout
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateOpening:
		return "OPENING"
	case StatePairing:
		return "PAIRING"
	case StateUnpaired:
		return "UNPAIRED"
	case StateUnpairedIdle:
		return "UNPAIRED_IDLE"
	case StateConflict:
		return "CONFLICT"
	case StateTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// DisconnectReason classifies why a session dropped, driving both the
// reconnector's delay formula and the no-reconnect policy.
type DisconnectReason string

const (
	ReasonConflict                    DisconnectReason = "CONFLICT"
	ReasonUnpaired                    DisconnectReason = "UNPAIRED"
	ReasonNavigation                  DisconnectReason = "NAVIGATION"
	ReasonTimeout                     DisconnectReason = "TIMEOUT"
	ReasonNetworkError                DisconnectReason = "NETWORK_ERROR"
	ReasonLogout                      DisconnectReason = "LOGOUT"
	ReasonTOSBlock                    DisconnectReason = "TOS_BLOCK"
	ReasonSMBTOSBlock                 DisconnectReason = "SMB_TOS_BLOCK"
	ReasonBanned                      DisconnectReason = "BANNED"
	ReasonConsecutiveHeartbeatFailure DisconnectReason = "CONSECUTIVE_HEARTBEAT_FAILURES"
	ReasonContextErrors               DisconnectReason = "CONTEXT_ERRORS"
	ReasonStuck                       DisconnectReason = "STUCK_LOADING"
	ReasonZombie                      DisconnectReason = "ZOMBIE"
	ReasonSyncTimeout                 DisconnectReason = "SYNC_TIMEOUT"
	ReasonInitError                   DisconnectReason = "INIT_ERROR"
	ReasonMemoryPressure              DisconnectReason = "MEMORY_PRESSURE"
	ReasonShutdown                    DisconnectReason = "SHUTDOWN"
	ReasonOther                       DisconnectReason = "OTHER"
)

// EventKind enumerates the adapter events the engine subscribes to.
type EventKind int

const (
	EventQR EventKind = iota
	EventLoading
	EventAuthenticated
	EventReady
	EventAuthFailure
	EventDisconnected
	EventChangeState
	EventRemoteSessionSaved
	EventMessage
)

// Event is the adapter's single typed notification shape; the lifecycle
// controller drains a channel of these instead of registering many
// distinct callbacks.
type Event struct {
	Kind        EventKind
	QR          string
	Percent     int
	LoadingMsg  string
	Reason      DisconnectReason
	AuthFailMsg string
	State       ConnState
	At          time.Time

	// Inbound message fields, set only for EventMessage.
	Chat   string
	Sender string
	Text   string
	FromMe bool
}

// OutboundMessage is what the engine asks the adapter to deliver.
type OutboundMessage struct {
	To       string
	Kind     string // "text" | "media"
	Text     string
	Media    []byte
	MimeType string
	Caption  string
}

// Info describes the paired account once known.
type Info struct {
	Phone string
	JID   string
}
