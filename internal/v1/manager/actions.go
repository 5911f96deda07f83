package manager

import "github.com/matrix-org/matrixrtc-session-core/internal/v1/scheduler"

// Action types driving the Membership Manager's state machine.
const (
	ActionSendFirstDelayedEvent          scheduler.ActionType = "send_first_delayed_event"
	ActionSendJoinEvent                  scheduler.ActionType = "send_join_event"
	ActionRestartDelayedEvent            scheduler.ActionType = "restart_delayed_event"
	ActionUpdateExpiry                   scheduler.ActionType = "update_expiry"
	ActionSendMainDelayedEvent           scheduler.ActionType = "send_main_delayed_event"
	ActionSendScheduledDelayedLeaveEvent scheduler.ActionType = "send_scheduled_delayed_leave_event"
	ActionSendLeaveEvent                 scheduler.ActionType = "send_leave_event"
)

// retryKind distinguishes which of the two independent retry budgets
// an error is charged against.
type retryKind int

const (
	retryRateLimit retryKind = iota
	retryNetwork
)

// retryBudgets tracks per-action-type retry counts for both budgets. A
// successful action resets both counters for that action type; exceeding
// either budget is unrecoverable.
type retryBudgets struct {
	rateLimit map[scheduler.ActionType]int
	network   map[scheduler.ActionType]int
}

func newRetryBudgets() *retryBudgets {
	return &retryBudgets{
		rateLimit: make(map[scheduler.ActionType]int),
		network:   make(map[scheduler.ActionType]int),
	}
}

func (b *retryBudgets) reset(t scheduler.ActionType) {
	delete(b.rateLimit, t)
	delete(b.network, t)
}

// bump increments the counter for kind/t and reports whether the budget
// identified by max is now exceeded.
func (b *retryBudgets) bump(kind retryKind, t scheduler.ActionType, max int) (count int, exceeded bool) {
	var m map[scheduler.ActionType]int
	if kind == retryRateLimit {
		m = b.rateLimit
	} else {
		m = b.network
	}
	m[t]++
	return m[t], m[t] > max
}

// deriveStatus computes the Manager's coarse lifecycle phase from the
// scheduler's pending queue contents. It is a pure function so the mapping can be tested
// without a running Manager.
func deriveStatus(pending []scheduler.Action) Status {
	if len(pending) == 0 {
		return StatusDisconnected
	}

	has := make(map[scheduler.ActionType]bool, len(pending))
	for _, a := range pending {
		has[a.Type] = true
	}

	switch {
	case has[ActionSendScheduledDelayedLeaveEvent] || has[ActionSendLeaveEvent]:
		return StatusDisconnecting
	case has[ActionUpdateExpiry] && (has[ActionRestartDelayedEvent] || has[ActionSendMainDelayedEvent]):
		return StatusConnected
	case has[ActionSendFirstDelayedEvent] || has[ActionSendJoinEvent] || has[ActionSendMainDelayedEvent] || has[ActionRestartDelayedEvent]:
		return StatusConnecting
	default:
		return StatusUnknown
	}
}
