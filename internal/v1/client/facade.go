// Package client defines the narrow Matrix client capability the
// membership core depends on, and the typed error taxonomy that callers
// must classify retries against. Concrete implementations live in
// pkg/matrixclient; this package stays free of any transport dependency so
// internal/v1/manager and internal/v1/observer can depend on it without
// pulling in HTTP/gRPC machinery.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
)

// DelayedEventAction is the action passed to UpdateDelayedEvent.
type DelayedEventAction string

const (
	DelayedEventActionRestart DelayedEventAction = "restart"
	DelayedEventActionSend    DelayedEventAction = "send"
	DelayedEventActionCancel  DelayedEventAction = "cancel"
)

// Facade is the minimal capability set required from the Matrix client.
type Facade interface {
	// UserID and DeviceID fail fast with an error if the underlying client
	// has no authenticated identity.
	UserID() (ids.UserID, error)
	DeviceID() (ids.DeviceID, error)

	SendStateEvent(ctx context.Context, room ids.RoomID, eventType string, content map[string]any, stateKey ids.StateKey) error

	SendDelayedStateEvent(ctx context.Context, room ids.RoomID, delayMs int64, eventType string, content map[string]any, stateKey ids.StateKey) (delayID string, err error)

	UpdateDelayedEvent(ctx context.Context, delayID string, action DelayedEventAction) error
}

// RateLimitedError is returned when the homeserver's documented rate-limit
// signal fires. RetryAfterMs is the server-advised delay.
type RateLimitedError struct {
	RetryAfterMs int64
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %dms", e.RetryAfterMs)
}

// MaxDelayExceededError is returned when the requested delayed-event window
// exceeds the homeserver's advertised maximum.
type MaxDelayExceededError struct {
	MaxAllowedMs int64
}

func (e *MaxDelayExceededError) Error() string {
	return fmt.Sprintf("requested delay exceeds server maximum of %dms", e.MaxAllowedMs)
}

// NotFoundError means the referenced delay_id has expired or been consumed.
type NotFoundError struct{}

func (e *NotFoundError) Error() string { return "delayed event not found" }

// UnsupportedDelayedEventsError means the homeserver does not implement
// delayed (scheduled) state events at all.
type UnsupportedDelayedEventsError struct{}

func (e *UnsupportedDelayedEventsError) Error() string { return "delayed events unsupported by homeserver" }

// NetworkTransientError wraps abort/connection-reset/5xx/update-timeout
// conditions that warrant a bounded retry.
type NetworkTransientError struct {
	Err error
}

func (e *NetworkTransientError) Error() string { return fmt.Sprintf("network transient error: %v", e.Err) }
func (e *NetworkTransientError) Unwrap() error { return e.Err }

// FatalError wraps any other error, including retry-budget exhaustion. It
// terminates the Scheduler loop.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsNotFound reports whether err (or anything it wraps) is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
