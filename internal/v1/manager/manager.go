// Package manager implements the Membership Manager: the per-session state
// machine that keeps one device's m.call.member announcement alive,
// registers and extends the dead-man's-switch delayed-leave event, and
// drives an orderly leave.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	clientpkg "github.com/matrix-org/matrixrtc-session-core/internal/v1/client"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/membership"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/metrics"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/scheduler"
)

var knownStatuses = []string{
	string(StatusDisconnected),
	string(StatusConnecting),
	string(StatusConnected),
	string(StatusDisconnecting),
	string(StatusUnknown),
}

// Publisher is the narrow capability the Manager needs from a cross-process
// event bus. internal/v1/eventbus.Bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, callID ids.CallID, kind string, payload map[string]any) error
}

// Manager owns one device's membership lifecycle for one room/call.
type Manager struct {
	facade      clientpkg.Facade
	room        ids.RoomID
	callID      ids.CallID
	focusActive membership.FocusActive
	foci        []membership.FocusDescriptor
	cfg         Config
	logger      *zap.Logger
	bus         Publisher

	sched *scheduler.Scheduler
	clock scheduler.Clock

	mu             sync.Mutex
	joined         bool
	leaving        bool
	delayID        string
	delayMs        int64 // current delay window, may be lowered by MaxDelayExceeded
	statePresent   bool
	degradedLocked bool // homeserver reported no delayed-events support
	expiryIter     int64
	startTS        int64
	status         Status
	leaveWaiters   []chan struct{}
	retries        *retryBudgets

	events chan Event

	cancel context.CancelFunc
	done   chan error
}

// New constructs a Manager. clock may be nil, in which case the scheduler
// falls back to a real wall clock.
func New(facade clientpkg.Facade, room ids.RoomID, callID ids.CallID, focusActive membership.FocusActive, foci []membership.FocusDescriptor, cfg Config, logger *zap.Logger, bus Publisher, clock scheduler.Clock) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	m := &Manager{
		facade:      facade,
		room:        room,
		callID:      callID,
		focusActive: focusActive,
		foci:        foci,
		cfg:         cfg,
		logger:      logger,
		bus:         bus,
		clock:       clock,
		status:      StatusDisconnected,
		retries:     newRetryBudgets(),
		events:      make(chan Event, 16),
	}
	m.delayMs = cfg.DelayedLeaveEventDelayMs
	m.sched = scheduler.New(m.handle, clock, otel.Tracer("matrixrtc-session-core/manager"))
	return m
}

// Events returns the channel Manager publishes status/signal events to.
func (m *Manager) Events() <-chan Event { return m.events }

// Status returns the Manager's current coarse lifecycle phase.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Join starts the membership lifecycle. Calling Join while already joined
// is a no-op.
func (m *Manager) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return nil
	}
	m.joined = true
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan error, 1)

	m.sched.Enqueue(scheduler.ActionUpdate{Replace: []scheduler.Action{
		{TS: m.clock.Now(), Type: ActionSendFirstDelayedEvent},
	}})
	m.setStatus(StatusConnecting)

	go func() {
		err := m.sched.Run(runCtx)
		m.onLoopExit(err)
		m.done <- err
	}()
	return nil
}

// Leave requests an orderly departure. It blocks until the leave completes
// or ctx is done, whichever comes first; the background loop keeps running
// toward completion even if ctx is done first.
func (m *Manager) Leave(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	m.leaveWaiters = append(m.leaveWaiters, waiter)
	alreadyLeaving := m.leaving
	m.leaving = true
	m.mu.Unlock()

	// A second Leave call joins the in-flight teardown rather than flushing
	// the queue again, which could otherwise restart a teardown that had
	// already fallen back to the direct leave event.
	if !alreadyLeaving {
		m.sched.Enqueue(scheduler.ActionUpdate{Replace: []scheduler.Action{
			{TS: m.clock.Now(), Type: ActionSendScheduledDelayedLeaveEvent},
		}})
		m.setStatus(StatusDisconnecting)
	}

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the Manager's background loop immediately, for process
// shutdown. It does not attempt a graceful leave.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// OnSessionMemberUpdate is the hook the Session Observer calls on every
// roster recomputation, regardless of whether anything changed.
// If our own announcement is missing from the session and we believe we are
// joined, and the queue does not already contain a (re)join action, the
// Manager re-announces immediately.
func (m *Manager) OnSessionMemberUpdate(records []*membership.Record) {
	m.mu.Lock()
	joined := m.joined
	m.mu.Unlock()
	if !joined {
		return
	}

	user, err := m.facade.UserID()
	if err != nil {
		return
	}
	device, err := m.facade.DeviceID()
	if err != nil {
		return
	}

	for _, r := range records {
		if r.Sender() == user && r.DeviceID() == device {
			return // still present
		}
	}

	pending := m.sched.Pending()
	for _, a := range pending {
		if a.Type == ActionSendFirstDelayedEvent || a.Type == ActionSendJoinEvent {
			return // re-join already underway
		}
	}

	m.logger.Warn("own membership announcement missing from session, re-joining",
		zap.String("room", string(m.room)), zap.String("call_id", string(m.callID)))

	m.mu.Lock()
	m.statePresent = false
	m.mu.Unlock()
	m.sched.Enqueue(scheduler.ActionUpdate{Insert: []scheduler.Action{
		{TS: m.clock.Now(), Type: ActionSendFirstDelayedEvent},
	}})
}

func (m *Manager) onLoopExit(err error) {
	m.mu.Lock()
	m.joined = false
	m.leaving = false
	waiters := m.leaveWaiters
	m.leaveWaiters = nil
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	if err != nil {
		m.logger.Error("manager scheduler loop exited with error", zap.Error(err))
	}
	m.setStatus(StatusDisconnected)
}

func (m *Manager) setStatus(to Status) {
	m.mu.Lock()
	from := m.status
	m.status = to
	m.mu.Unlock()
	if from == to {
		return
	}
	metrics.SetStatus(string(m.callID), string(to), knownStatuses)
	m.emit(Event{Kind: EventStatusChanged, From: from, To: to})
}

func (m *Manager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("manager event channel full, dropping event", zap.String("kind", string(ev.Kind)))
	}
	if m.bus == nil {
		return
	}
	go func() {
		payload := map[string]any{"kind": string(ev.Kind)}
		if ev.Kind == EventStatusChanged {
			payload["from"] = string(ev.From)
			payload["to"] = string(ev.To)
		}
		if ev.Kind == EventUnrecoverable {
			payload["action"] = string(ev.Action)
			if ev.Err != nil {
				payload["error"] = ev.Err.Error()
			}
		}
		ctx := context.Background()
		if err := m.bus.Publish(ctx, m.callID, string(ev.Kind), payload); err != nil {
			metrics.EventBusPublishTotal.WithLabelValues(string(ev.Kind), "error").Inc()
			m.logger.Warn("failed to publish manager event", zap.Error(err))
			return
		}
		metrics.EventBusPublishTotal.WithLabelValues(string(ev.Kind), "success").Inc()
	}()
}

// handle is the scheduler.Handler dispatching on action type.
func (m *Manager) handle(ctx context.Context, action scheduler.Action) (scheduler.ActionUpdate, error) {
	var update scheduler.ActionUpdate
	var err error

	switch action.Type {
	case ActionSendFirstDelayedEvent:
		update, err = m.handleSendFirstDelayedEvent(ctx, action)
	case ActionSendJoinEvent:
		update, err = m.handleSendJoinEvent(ctx, action)
	case ActionRestartDelayedEvent:
		update, err = m.handleRestartDelayedEvent(ctx, action)
	case ActionUpdateExpiry:
		update, err = m.handleUpdateExpiry(ctx, action)
	case ActionSendMainDelayedEvent:
		update, err = m.handleSendMainDelayedEvent(ctx, action)
	case ActionSendScheduledDelayedLeaveEvent:
		update, err = m.handleSendScheduledDelayedLeaveEvent(ctx, action)
	case ActionSendLeaveEvent:
		update, err = m.handleSendLeaveEvent(ctx, action)
	default:
		err = fmt.Errorf("unknown action type %q", action.Type)
	}

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	metrics.ActionsTotal.WithLabelValues(string(action.Type), outcome).Inc()

	if err == nil {
		m.afterTransition(update)
	}
	return update, err
}

// afterTransition refreshes the derived status after a successful action.
// The scheduler applies the handler's update only after the handler returns,
// so the queue it would report here is mid-transition: the executed action
// already popped, the update not yet applied. Deriving from the snapshot
// plus the update gives the phase the queue is about to settle into.
func (m *Manager) afterTransition(update scheduler.ActionUpdate) {
	var pending []scheduler.Action
	if len(update.Replace) > 0 {
		pending = update.Replace
	} else {
		pending = append(m.sched.Pending(), update.Insert...)
	}
	m.setStatus(deriveStatus(pending))
}

// classify turns a client-facing error into a scheduler ActionUpdate that
// retries (bounded by the relevant budget) or gives up, and reports whether
// the action is now unrecoverable.
func (m *Manager) classify(action scheduler.Action, err error) (scheduler.ActionUpdate, error) {
	var rl *clientpkg.RateLimitedError
	var nt *clientpkg.NetworkTransientError

	switch {
	case errors.As(err, &rl):
		return m.retry(action, retryRateLimit, rl.RetryAfterMs, m.cfg.MaxRateLimitRetryCount, err)
	case errors.As(err, &nt):
		return m.retry(action, retryNetwork, m.cfg.NetworkErrorRetryDelayMs, m.cfg.MaxNetworkErrorRetryCount, err)
	default:
		return scheduler.ActionUpdate{}, m.unrecoverable(action, err)
	}
}

func (m *Manager) retry(action scheduler.Action, kind retryKind, delayMs int64, max int, cause error) (scheduler.ActionUpdate, error) {
	kindLabel := "network"
	if kind == retryRateLimit {
		kindLabel = "rate_limit"
	}
	_, exceeded := m.retries.bump(kind, action.Type, max)
	metrics.RetriesTotal.WithLabelValues(string(action.Type), kindLabel).Inc()
	if exceeded {
		return scheduler.ActionUpdate{}, m.unrecoverable(action, fmt.Errorf("retry budget (%s) exhausted: %w", kindLabel, cause))
	}
	return scheduler.ActionUpdate{Insert: []scheduler.Action{
		{TS: m.clock.Now() + delayMs, Type: action.Type, Payload: action.Payload},
	}}, nil
}

func (m *Manager) unrecoverable(action scheduler.Action, err error) error {
	metrics.UnrecoverableErrors.WithLabelValues(string(action.Type)).Inc()
	m.emit(Event{Kind: EventUnrecoverable, Action: action.Type, Err: err})
	return &clientpkg.FatalError{Err: err}
}

func (m *Manager) stateKey() ids.StateKey { return m.ownStateKey() }
