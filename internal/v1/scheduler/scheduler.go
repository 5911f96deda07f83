// Package scheduler implements the Action Scheduler: a single-threaded
// cooperative timed queue with external wake-up.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ActionType identifies the kind of work an Action performs. The Manager
// package defines the concrete values; the scheduler itself is
// agnostic to their meaning.
type ActionType string

// Action is one entry of the scheduler's queue: a typed unit of work due at
// TS (milliseconds, on the scheduler's injected clock).
type Action struct {
	TS      int64
	Type    ActionType
	Payload any
}

// ActionUpdate is the result of handling one Action: either a full
// replacement of the queue, an addition to it, or nothing.
type ActionUpdate struct {
	Replace []Action
	Insert  []Action
}

func (u ActionUpdate) empty() bool {
	return len(u.Replace) == 0 && len(u.Insert) == 0
}

// Handler executes one Action and returns the queue update it implies.
// Returning a non-nil error is unrecoverable: it stops the scheduler loop.
type Handler func(ctx context.Context, action Action) (ActionUpdate, error)

// Clock abstracts wall-clock time so tests can drive the scheduler
// deterministically via an injected clock instead of a global mutable one.
type Clock interface {
	Now() int64
	After(d time.Duration) <-chan time.Time
}

// RealClock is the production Clock, backed by time.Now/time.After.
type RealClock struct{}

func (RealClock) Now() int64 { return time.Now().UnixMilli() }
func (RealClock) After(d time.Duration) <-chan time.Time {
	if d <= 0 {
		ch := make(chan time.Time, 1)
		ch <- time.Now()
		return ch
	}
	return time.After(d)
}

// Scheduler runs the single-threaded queue loop.
type Scheduler struct {
	mu      sync.Mutex
	queue   []Action
	gen     uint64
	wake    chan struct{}
	clock   Clock
	handler Handler
	tracer  trace.Tracer
}

// New constructs a Scheduler. tracer may be nil, in which case action
// handling is not traced.
func New(handler Handler, clock Clock, tracer trace.Tracer) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	return &Scheduler{
		handler: handler,
		clock:   clock,
		tracer:  tracer,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue applies an external queue mutation and wakes a pending sleep. This
// is the only supported way to inject work into a running Scheduler: the
// Manager's leave() call, and the Observer's own-state-loss notification,
// both go through here. A wake-up only ever pre-empts a
// pending sleep — it never reorders or discards an action whose handler is
// already executing; instead it wins over that handler's own completion
// (see run()).
func (s *Scheduler) Enqueue(update ActionUpdate) {
	if update.empty() {
		return
	}
	s.mu.Lock()
	if len(update.Replace) > 0 {
		s.queue = append([]Action(nil), update.Replace...)
	} else {
		s.queue = append(s.queue, update.Insert...)
	}
	s.gen++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns a snapshot of the current queue, sorted ascending by TS,
// for diagnostics (e.g. the admin /status endpoint's derived Manager phase).
func (s *Scheduler) Pending() []Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]Action(nil), s.queue...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS < out[j].TS })
	return out
}

// Run drives the loop until the queue drains or the handler returns an
// error. It terminates cleanly (nil error) when the queue empties, and
// propagates ctx cancellation as an error.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return nil
		}
		sort.SliceStable(s.queue, func(i, j int) bool { return s.queue[i].TS < s.queue[j].TS })
		earliest := s.queue[0]
		s.mu.Unlock()

		if wait := earliest.TS - s.clock.Now(); wait > 0 {
			select {
			case <-s.clock.After(time.Duration(wait) * time.Millisecond):
				// fall through to execution
			case <-s.wake:
				continue // an external update replaced/augmented the queue; re-evaluate
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			// Non-blocking drain of any wake signal left over from an
			// Enqueue that raced with an already-due action.
			select {
			case <-s.wake:
				continue
			default:
			}
		}

		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].TS != earliest.TS || s.queue[0].Type != earliest.Type {
			// Queue changed underneath us between the sleep and the lock;
			// re-evaluate rather than execute a stale action.
			s.mu.Unlock()
			continue
		}
		s.queue = s.queue[1:]
		genBeforeExec := s.gen
		s.mu.Unlock()

		update, err := s.runHandler(ctx, earliest)
		if err != nil {
			return fmt.Errorf("action %s: %w", earliest.Type, err)
		}

		s.mu.Lock()
		if s.gen != genBeforeExec {
			// An external Enqueue pre-empted this action while its handler
			// was in flight. That update wins outright; the handler's own
			// continuation is discarded so no update is ever lost.
			s.mu.Unlock()
			continue
		}
		if len(update.Replace) > 0 {
			s.queue = append([]Action(nil), update.Replace...)
		} else if len(update.Insert) > 0 {
			s.queue = append(s.queue, update.Insert...)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) runHandler(ctx context.Context, action Action) (ActionUpdate, error) {
	if s.tracer == nil {
		return s.handler(ctx, action)
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.action",
		trace.WithAttributes(attribute.String("action.type", string(action.Type))))
	defer span.End()

	update, err := s.handler(ctx, action)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return update, err
}
