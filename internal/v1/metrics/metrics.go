package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the MatrixRTC membership core.
//
// Naming convention: namespace_subsystem_name
// - namespace: matrixrtc (application-level grouping)
// - subsystem: manager, observer, circuit_breaker, rate_limit, eventbus
// - name: specific metric (actions_total, session_members, etc.)
//
// Metric Types:
// - Gauge: Current state (status, roster size, breaker state)
// - Counter: Cumulative events (actions, retries, publishes)

var (
	// ManagerStatus tracks the current derived Status of each managed
	// session (GaugeVec keyed by call_id and status label; the active
	// status reads 1, every other known status for that call_id reads 0).
	ManagerStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matrixrtc",
		Subsystem: "manager",
		Name:      "status",
		Help:      "Current Manager status per call_id (1 for the active status, 0 otherwise)",
	}, []string{"call_id", "status"})

	// ActionsTotal tracks every scheduler action the Manager executes.
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "manager",
		Name:      "actions_total",
		Help:      "Total scheduler actions executed, by type and outcome",
	}, []string{"action", "outcome"})

	// RetriesTotal tracks rate-limit and network-transient retries charged
	// against an action's retry budget.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "manager",
		Name:      "retries_total",
		Help:      "Total retries charged against an action's retry budget",
	}, []string{"action", "kind"})

	// UnrecoverableErrors counts retry-budget exhaustion and fatal client
	// errors that terminated a Manager's scheduler loop.
	UnrecoverableErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "manager",
		Name:      "unrecoverable_errors_total",
		Help:      "Total unrecoverable errors, by action type",
	}, []string{"action"})

	// ProbablyLeftTotal counts detections of the dead-man's-switch firing
	// before the manager could extend it.
	ProbablyLeftTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "manager",
		Name:      "probably_left_total",
		Help:      "Total times the scheduled delayed-leave event was found already consumed",
	})

	// SessionMembers tracks the Session Observer's current filtered roster
	// size.
	SessionMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matrixrtc",
		Subsystem: "observer",
		Name:      "session_members",
		Help:      "Current number of members in the filtered session roster",
	}, []string{"call_id"})

	// MembershipChangesTotal counts roster recomputations that produced an
	// actual membership change.
	MembershipChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "observer",
		Name:      "membership_changes_total",
		Help:      "Total roster recomputations that changed session membership",
	}, []string{"call_id"})

	// CircuitBreakerState mirrors gobreaker's state for the homeserver HTTP
	// client and the event bus (0: Closed, 1: Open, 2: Half-Open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "matrixrtc",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of an outbound-dependency circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// RateLimitThrottled counts outbound homeserver calls delayed by the
	// local token-bucket limiter before they were attempted.
	RateLimitThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "rate_limit",
		Name:      "throttled_total",
		Help:      "Total outbound homeserver calls delayed by the local rate limiter",
	}, []string{"method"})

	// EventBusPublishTotal tracks publishes of membership signals onto the
	// cross-process event bus.
	EventBusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "matrixrtc",
		Subsystem: "eventbus",
		Name:      "publish_total",
		Help:      "Total signal publishes to the event bus, by signal kind and outcome",
	}, []string{"kind", "status"})
)

// SetStatus records a Manager status transition, zeroing every other known
// status for the same call_id so only the current one reads 1.
func SetStatus(callID, status string, known []string) {
	for _, s := range known {
		v := 0.0
		if s == status {
			v = 1.0
		}
		ManagerStatus.WithLabelValues(callID, s).Set(v)
	}
}
