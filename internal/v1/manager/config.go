package manager

// Config holds every tunable of the Membership Manager state machine.
// Zero-valued fields are used as they are, not replaced by defaults; callers
// assembling a Config by hand should start from DefaultConfig() and
// override individual fields.
type Config struct {
	// MembershipEventExpiryMs is the expires window written into each
	// m.call.member state event (default 14,400,000 — four hours).
	MembershipEventExpiryMs int64

	// MembershipEventExpiryHeadroomMs is how far before the written expiry
	// instant the manager schedules its next UpdateExpiry action (default
	// 5,000).
	MembershipEventExpiryHeadroomMs int64

	// DelayedLeaveEventDelayMs is the no-activity window requested when
	// registering the scheduled delayed-leave event (default 8,000). The
	// manager may lower this at runtime if the homeserver reports it
	// exceeds the server's advertised maximum.
	DelayedLeaveEventDelayMs int64

	// DelayedLeaveEventRestartMs is the interval between heartbeats that
	// restart (extend) the scheduled delayed-leave event (default 5,000).
	// Must stay below DelayedLeaveEventDelayMs or the switch can fire
	// between heartbeats.
	DelayedLeaveEventRestartMs int64

	// MaxRateLimitRetryCount bounds the number of times a single action may
	// be retried after a server-reported rate limit before the manager
	// gives up and reports an unrecoverable error (default 10).
	MaxRateLimitRetryCount int

	// MaxNetworkErrorRetryCount bounds the number of times a single action
	// may be retried after a transient network error (default 10).
	MaxNetworkErrorRetryCount int

	// NetworkErrorRetryDelayMs is the default backoff used for a network
	// retry when the error carries no server-advised delay (default 3,000).
	NetworkErrorRetryDelayMs int64

	// Application is the application tag written into state events (e.g.
	// "m.call").
	Application string

	// RoomVersion informs state-key derivation (legacy rooms prefix the
	// state key with an underscore).
	RoomVersion string
}

// DefaultConfig returns the manager's default tunables.
func DefaultConfig() Config {
	return Config{
		MembershipEventExpiryMs:         14_400_000,
		MembershipEventExpiryHeadroomMs: 5_000,
		DelayedLeaveEventDelayMs:        8_000,
		DelayedLeaveEventRestartMs:      5_000,
		MaxRateLimitRetryCount:          10,
		MaxNetworkErrorRetryCount:       10,
		NetworkErrorRetryDelayMs:        3_000,
		Application:                     "m.call",
	}
}
