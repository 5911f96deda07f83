package manager

import "github.com/matrix-org/matrixrtc-session-core/internal/v1/scheduler"

// EventKind identifies the shape of an Event value: one of the manager's
// three observable signals (status transitions derived from queue contents,
// probable-leave detections, and unrecoverable errors).
type EventKind string

const (
	EventStatusChanged    EventKind = "status_changed"
	EventProbablyLeft     EventKind = "probably_left"
	EventUnrecoverable    EventKind = "unrecoverable_error"
)

// Status is the Manager's coarse lifecycle phase, derived from what kind of
// action currently sits in the scheduler's queue.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusUnknown       Status = "unknown"
)

// Event is emitted on the Manager's event channel and, when an eventbus is
// configured, fanned out to other processes watching the same session.
type Event struct {
	Kind EventKind

	// Populated for EventStatusChanged.
	From, To Status

	// Populated for EventUnrecoverable: the action that exhausted its retry
	// budget or hit a fatal client error, and the underlying cause.
	Action scheduler.ActionType
	Err    error
}
