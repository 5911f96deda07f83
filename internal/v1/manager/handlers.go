package manager

import (
	"context"
	"errors"

	"go.uber.org/zap"

	clientpkg "github.com/matrix-org/matrixrtc-session-core/internal/v1/client"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/metrics"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/scheduler"
)

func (m *Manager) handleSendFirstDelayedEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	m.mu.Lock()
	oldID := m.delayID
	m.mu.Unlock()

	if oldID != "" {
		// Re-join while a previous delayed-leave registration is still
		// outstanding: cancel it before registering a fresh one.
		if err := m.facade.UpdateDelayedEvent(ctx, oldID, clientpkg.DelayedEventActionCancel); err != nil && !clientpkg.IsNotFound(err) {
			return m.classify(action, err)
		}
		m.mu.Lock()
		m.delayID = ""
		m.mu.Unlock()
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendFirstDelayedEvent}}}, nil
	}

	return m.sendDelayedEvent(ctx, action, func() scheduler.ActionUpdate {
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendJoinEvent}}}
	}, func() scheduler.ActionUpdate {
		// Unsupported: skip straight to joining, no delayed-leave switch.
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendJoinEvent}}}
	})
}

func (m *Manager) handleSendMainDelayedEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	return m.sendDelayedEvent(ctx, action, func() scheduler.ActionUpdate {
		// The fresh registration needs no immediate restart; the next
		// heartbeat is due one keepalive period out.
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now() + m.cfg.DelayedLeaveEventRestartMs, Type: ActionRestartDelayedEvent}}}
	}, func() scheduler.ActionUpdate {
		// Unsupported mid-session: nothing to restart, the expiry loop
		// carries the membership alone from here.
		return scheduler.ActionUpdate{}
	})
}

// sendDelayedEvent is the shared body of registering a delayed-leave event,
// used by both the first registration (before join) and the steady-state
// re-registration if the delay_id is ever lost.
func (m *Manager) sendDelayedEvent(ctx context.Context, action scheduler.Action, onSuccess, onUnsupported func() scheduler.ActionUpdate) (scheduler.ActionUpdate, error) {
	m.mu.Lock()
	delayMs := m.delayMs
	m.mu.Unlock()

	key := m.stateKey()
	delayID, err := m.facade.SendDelayedStateEvent(ctx, m.room, delayMs, memberEventType, map[string]any{}, key)
	if err == nil {
		m.mu.Lock()
		m.delayID = delayID
		m.mu.Unlock()
		m.retries.reset(action.Type)
		return onSuccess(), nil
	}

	var maxExceeded *clientpkg.MaxDelayExceededError
	var unsupported *clientpkg.UnsupportedDelayedEventsError
	switch {
	case errors.As(err, &maxExceeded):
		m.mu.Lock()
		m.delayMs = maxExceeded.MaxAllowedMs
		m.mu.Unlock()
		m.logger.Info("lowering delayed-leave window to server maximum", zap.Int64("max_allowed_ms", maxExceeded.MaxAllowedMs))
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: action.Type}}}, nil
	case errors.As(err, &unsupported):
		m.mu.Lock()
		m.degradedLocked = true
		m.mu.Unlock()
		m.logger.Warn("homeserver does not support delayed events, continuing without dead-man's-switch")
		return onUnsupported(), nil
	default:
		return m.classify(action, err)
	}
}

func (m *Manager) handleSendJoinEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	content := m.joinContent(m.cfg.MembershipEventExpiryMs)
	if err := m.facade.SendStateEvent(ctx, m.room, memberEventType, content, m.stateKey()); err != nil {
		return m.classify(action, err)
	}

	m.mu.Lock()
	m.startTS = m.clock.Now()
	m.expiryIter = 1
	m.statePresent = true
	degraded := m.degradedLocked
	m.mu.Unlock()
	m.retries.reset(action.Type)

	nextExpiryTS := m.startTSValue() + m.cfg.MembershipEventExpiryMs - m.cfg.MembershipEventExpiryHeadroomMs
	actions := []scheduler.Action{{TS: nextExpiryTS, Type: ActionUpdateExpiry}}
	if !degraded {
		actions = append(actions, scheduler.Action{TS: m.clock.Now(), Type: ActionRestartDelayedEvent})
	}
	// Replace rather than insert: on the re-join path the queue may still
	// hold the previous connection's heartbeat/expiry entries, and the fresh
	// join supersedes that whole schedule.
	return scheduler.ActionUpdate{Replace: actions}, nil
}

func (m *Manager) startTSValue() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startTS
}

func (m *Manager) handleRestartDelayedEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	m.mu.Lock()
	delayID := m.delayID
	degraded := m.degradedLocked
	statePresent := m.statePresent
	m.mu.Unlock()

	if degraded {
		return scheduler.ActionUpdate{}, nil
	}
	if delayID == "" {
		// No registration to heartbeat. If our live announcement is still in
		// place we only need a fresh delayed-leave registration; if it is
		// gone too, the full join sequence has to run again.
		next := ActionSendMainDelayedEvent
		if !statePresent {
			next = ActionSendFirstDelayedEvent
		}
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: next}}}, nil
	}

	err := m.facade.UpdateDelayedEvent(ctx, delayID, clientpkg.DelayedEventActionRestart)
	if err == nil {
		m.retries.reset(action.Type)
		return scheduler.ActionUpdate{Insert: []scheduler.Action{
			{TS: m.clock.Now() + m.cfg.DelayedLeaveEventRestartMs, Type: ActionRestartDelayedEvent},
		}}, nil
	}
	if clientpkg.IsNotFound(err) {
		m.emit(Event{Kind: EventProbablyLeft})
		metrics.ProbablyLeftTotal.Inc()
		m.mu.Lock()
		m.delayID = ""
		m.mu.Unlock()
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendMainDelayedEvent}}}, nil
	}
	return m.classify(action, err)
}

func (m *Manager) handleUpdateExpiry(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	m.mu.Lock()
	iter := m.expiryIter + 1
	startTS := m.startTS
	m.mu.Unlock()

	expires := m.cfg.MembershipEventExpiryMs * iter
	content := m.joinContent(expires)
	if err := m.facade.SendStateEvent(ctx, m.room, memberEventType, content, m.stateKey()); err != nil {
		return m.classify(action, err)
	}

	m.mu.Lock()
	m.expiryIter = iter
	m.mu.Unlock()
	m.retries.reset(action.Type)

	nextTS := startTS + m.cfg.MembershipEventExpiryMs*iter - m.cfg.MembershipEventExpiryHeadroomMs
	return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: nextTS, Type: ActionUpdateExpiry}}}, nil
}

func (m *Manager) handleSendScheduledDelayedLeaveEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	m.mu.Lock()
	delayID := m.delayID
	degraded := m.degradedLocked
	m.mu.Unlock()

	if degraded || delayID == "" {
		return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendLeaveEvent}}}, nil
	}

	err := m.facade.UpdateDelayedEvent(ctx, delayID, clientpkg.DelayedEventActionSend)
	if err == nil {
		m.mu.Lock()
		m.statePresent = false
		m.mu.Unlock()
		return scheduler.ActionUpdate{}, nil
	}
	var rl *clientpkg.RateLimitedError
	var nt *clientpkg.NetworkTransientError
	if errors.As(err, &rl) || errors.As(err, &nt) {
		return m.classify(action, err)
	}
	// NotFound, or anything else the error taxonomy cannot explain: the
	// delay_id is gone for some reason other than confirming our own
	// execution of it (it may never have fired at all), so fall back to an
	// explicit leave and make sure the live announcement is withdrawn.
	m.logger.Info("scheduled delayed-leave event could not be executed, falling back to direct leave", zap.Error(err))
	return scheduler.ActionUpdate{Insert: []scheduler.Action{{TS: m.clock.Now(), Type: ActionSendLeaveEvent}}}, nil
}

func (m *Manager) handleSendLeaveEvent(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	if err := m.facade.SendStateEvent(ctx, m.room, memberEventType, map[string]any{}, m.stateKey()); err != nil {
		return m.classify(action, err)
	}
	m.mu.Lock()
	m.statePresent = false
	m.mu.Unlock()
	return scheduler.ActionUpdate{}, nil
}
