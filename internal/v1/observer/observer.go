// Package observer implements the Session Observer: it watches every
// m.call.member state event in a room, filters and sorts them into the
// live roster for one call_id/scope, detects changes, and drives the
// single timer that fires when the soonest member's announcement expires.
package observer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/membership"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/metrics"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/scheduler"
)

// MemberUpdateHook is called on every recomputation, whether or not the
// roster actually changed, used by the Manager to detect its own
// announcement disappearing.
type MemberUpdateHook func(records []*membership.Record)

// MembershipsChangedHook is called only when the filtered, sorted roster
// differs from the previous one.
type MembershipsChangedHook func(old, new []*membership.Record)

// EncryptionHook is called on every recomputation, whether or not the
// roster changed, so the receiver can decide whether any end-to-end
// encryption keys for the call should be rotated. Key derivation itself is
// out of scope here; this is purely the notification point.
type EncryptionHook func(new []*membership.Record)

// JoinedCheck reports whether a user is currently joined to the room.
// Room-membership bookkeeping lives outside this core; the caller supplies
// the lookup. When no check is configured, every sender is treated as
// joined.
type JoinedCheck func(user ids.UserID) bool

// Observer maintains the filtered, ordered membership list for one
// (room, call_id, scope) tuple.
type Observer struct {
	room   ids.RoomID
	callID ids.CallID
	scope  membership.Scope

	logger *zap.Logger
	clock  scheduler.Clock
	tracer trace.Tracer

	mu      sync.Mutex
	raw     map[ids.StateKey]*membership.Record
	current []*membership.Record

	onUpdate    MemberUpdateHook
	onChanged   MembershipsChangedHook
	onRotateKey EncryptionHook
	isJoined    JoinedCheck

	expiryTimerCancel context.CancelFunc
}

// New constructs an Observer for one room/call_id/scope. clock may be nil,
// in which case time.Now/time.After back the expiry timer.
func New(room ids.RoomID, callID ids.CallID, scope membership.Scope, logger *zap.Logger, clock scheduler.Clock) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = scheduler.RealClock{}
	}
	return &Observer{
		room:   room,
		callID: callID,
		scope:  scope,
		logger: logger,
		clock:  clock,
		tracer: otel.Tracer("matrixrtc-session-core/observer"),
		raw:    make(map[ids.StateKey]*membership.Record),
	}
}

// OnMemberUpdate registers the always-fired recomputation hook.
func (o *Observer) OnMemberUpdate(hook MemberUpdateHook) { o.onUpdate = hook }

// OnMembershipsChanged registers the change-only hook.
func (o *Observer) OnMembershipsChanged(hook MembershipsChangedHook) { o.onChanged = hook }

// OnRotateEncryptionKey registers the key-rotation notification hook.
func (o *Observer) OnRotateEncryptionKey(hook EncryptionHook) { o.onRotateKey = hook }

// SetJoinedCheck installs the room-membership lookup used to exclude
// announcements from senders who are no longer joined to the room.
func (o *Observer) SetJoinedCheck(check JoinedCheck) { o.isJoined = check }

// HandleRoomMemberUpdate is the trigger for room-member changes (joins,
// leaves, kicks, bans): the raw announcements are unchanged but the joined
// filter's answers may differ, so the roster is recomputed.
func (o *Observer) HandleRoomMemberUpdate(now int64) {
	o.recompute(now)
}

// Members returns a snapshot of the current filtered, ordered roster.
func (o *Observer) Members() []*membership.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*membership.Record(nil), o.current...)
}

// HandleStateEvent ingests one m.call.member state event. An empty content
// map (the wire shape for a leave) removes the announcement for stateKey.
// A content that fails validation is dropped (logged, not propagated):
// malformed announcements are simply excluded from the roster.
func (o *Observer) HandleStateEvent(stateKey ids.StateKey, content map[string]any, meta membership.EventMeta, now int64) {
	if len(content) == 0 {
		o.mu.Lock()
		delete(o.raw, stateKey)
		o.mu.Unlock()
		o.recompute(now)
		return
	}

	if meta.DeviceID == "" {
		meta.DeviceID = deviceIDFromStateKey(stateKey)
	}
	record, err := membership.NewRecord(content, meta)
	if err != nil {
		o.logger.Warn("dropping malformed membership announcement",
			zap.String("state_key", string(stateKey)), zap.Error(err))
		o.mu.Lock()
		delete(o.raw, stateKey)
		o.mu.Unlock()
		o.recompute(now)
		return
	}

	o.mu.Lock()
	if prev := o.raw[stateKey]; prev != nil && record.CreatedTS() < prev.CreatedTS() {
		// created_ts is supposed to be monotone per device within a session.
		// The newer event still wins, but the violation is worth surfacing.
		o.logger.Warn("membership announcement created_ts went backwards",
			zap.String("state_key", string(stateKey)),
			zap.Int64("previous_created_ts", prev.CreatedTS()),
			zap.Int64("new_created_ts", record.CreatedTS()))
	}
	o.raw[stateKey] = record
	o.mu.Unlock()
	o.recompute(now)
}

// deviceIDFromStateKey recovers the device component of a derived state key
// ("{user}_{device}", optionally underscore-prefixed for legacy rooms), for
// senders that never started populating device_id in the content body.
func deviceIDFromStateKey(stateKey ids.StateKey) ids.DeviceID {
	key := strings.TrimPrefix(string(stateKey), "_")
	idx := strings.LastIndex(key, "_")
	if idx < 0 {
		return ""
	}
	return ids.DeviceID(key[idx+1:])
}

// recompute applies the filtering rules, sorts the result, fires
// the always-on hook, diffs against the previous roster, and fires the
// change/encryption hooks when it differs. It also resets the single
// pending expiry timer to the new soonest-expiring member.
func (o *Observer) recompute(now int64) {
	_, span := o.tracer.Start(context.Background(), "observer.recompute",
		trace.WithAttributes(attribute.String("call_id", string(o.callID))))
	defer span.End()

	o.mu.Lock()
	var filtered []*membership.Record
	for _, r := range o.raw {
		if !o.passesFilters(r, now) {
			continue
		}
		filtered = append(filtered, r)
	}
	membership.SortByCreatedTS(filtered)

	old := o.current
	o.current = filtered
	o.mu.Unlock()

	metrics.SessionMembers.WithLabelValues(string(o.callID)).Set(float64(len(filtered)))

	if o.onUpdate != nil {
		o.onUpdate(filtered)
	}

	if !sameRoster(old, filtered) {
		metrics.MembershipChangesTotal.WithLabelValues(string(o.callID)).Inc()
		if o.onChanged != nil {
			o.onChanged(old, filtered)
		}
	}
	// The encryption hook fires on every recomputation, not only when the
	// roster changes: a device's created_ts can advance (its per-device
	// fingerprint) without the roster's membership set changing.
	if o.onRotateKey != nil {
		o.onRotateKey(filtered)
	}

	o.resetExpiryTimer(filtered, now)
}

// passesFilters applies the per-record filtering rules: matching call_id,
// matching scope, unexpired, and a room-joined sender. (Event type, content
// shape, and same-device dedup are enforced upstream by the caller feeding
// state events in and by Record construction itself.)
func (o *Observer) passesFilters(r *membership.Record, now int64) bool {
	if r.CallID() != o.callID {
		return false
	}
	if o.scope != membership.ScopeUnknown && r.Scope() != o.scope {
		return false
	}
	if r.IsExpired(now) {
		return false
	}
	if o.isJoined != nil && !o.isJoined(r.Sender()) {
		return false
	}
	return true
}

// Oldest returns the roster member with the earliest created_ts, or nil when
// the session is empty. The oldest member selects the focus for every device
// whose focus_active policy is "oldest_membership".
func (o *Observer) Oldest() *membership.Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.current) == 0 {
		return nil
	}
	return o.current[0]
}

// GetFocusInUse resolves the session's active focus: the first preferred
// focus of the oldest member, provided that member's selection policy is
// "oldest_membership". The result is stable as long as the oldest member is
// unchanged between recomputations.
func (o *Observer) GetFocusInUse() membership.FocusDescriptor {
	oldest := o.Oldest()
	if oldest == nil || oldest.FocusSelection() != membership.FocusSelectionOldestMembership {
		return nil
	}
	foci := oldest.PreferredFoci()
	if len(foci) == 0 {
		return nil
	}
	return foci[0]
}

func sameRoster(a, b []*membership.Record) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

// resetExpiryTimer cancels any pending expiry wake-up and schedules a new
// one for the soonest-expiring member in the current roster: a single
// pending timer, always reset on recomputation.
func (o *Observer) resetExpiryTimer(records []*membership.Record, now int64) {
	o.mu.Lock()
	if o.expiryTimerCancel != nil {
		o.expiryTimerCancel()
		o.expiryTimerCancel = nil
	}
	o.mu.Unlock()

	if len(records) == 0 {
		return
	}
	soonest := soonestExpiry(records)
	wait := soonest - now
	if wait < 0 {
		wait = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.expiryTimerCancel = cancel
	o.mu.Unlock()

	go func() {
		select {
		case <-o.clock.After(msDuration(wait)):
			o.recompute(o.clock.Now())
		case <-ctx.Done():
		}
	}()
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func soonestExpiry(records []*membership.Record) int64 {
	sorted := append([]*membership.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ExpiryAbsolute() < sorted[j].ExpiryAbsolute()
	})
	return sorted[0].ExpiryAbsolute()
}
