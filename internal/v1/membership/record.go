// Package membership implements the Membership Record: a typed, validated
// representation of one device's presence announcement in a MatrixRTC
// session.
package membership

import (
	"fmt"
	"sort"
	"strings"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
)

// Scope distinguishes a room-wide session from a user-scoped one.
type Scope string

const (
	ScopeRoom    Scope = "m.room"
	ScopeUser    Scope = "m.user"
	ScopeUnknown Scope = ""
)

// FocusSelectionPolicy identifies a recognised strategy for choosing the
// active media focus from a session's membership list.
type FocusSelectionPolicy string

// FocusSelectionOldestMembership means "whichever device joined first picks
// the focus for everyone".
const FocusSelectionOldestMembership FocusSelectionPolicy = "oldest_membership"

// FocusActive is the tagged variant describing how a media focus is chosen.
// Only the "oldest_membership" selection policy is recognised; anything else
// is an unrecognised variant and causes record construction to fail, per the
// design choice to refuse constructing a Record for unknown variants
// rather than carry untyped payloads.
type FocusActive struct {
	Type           string
	FocusSelection FocusSelectionPolicy
}

func (f FocusActive) recognised() bool {
	return f.Type != "" && f.FocusSelection == FocusSelectionOldestMembership
}

// FocusDescriptor is one entry of an ordered list of focus proposals. Its
// shape is intentionally free-form (e.g. a livekit service URL/alias pair)
// since the wire format does not constrain it beyond "some object".
type FocusDescriptor map[string]any

// EventMeta carries the parts of the enclosing state event that the record
// needs but that do not live in its JSON content: the sender (authenticated
// by the homeserver) and the event's own server timestamp, used as the
// origin timestamp when the content omits created_ts.
type EventMeta struct {
	Sender         ids.UserID
	DeviceID       ids.DeviceID // state key's device component
	OriginServerTS int64        // ms
}

// Record is a validated, immutable per-device membership announcement.
type Record struct {
	sender      ids.UserID
	deviceID    ids.DeviceID
	callID      ids.CallID
	application string
	scope       Scope
	focusActive FocusActive
	foci        []FocusDescriptor
	expiresMs   int64
	createdTS   int64
}

func (r *Record) Sender() ids.UserID       { return r.sender }
func (r *Record) DeviceID() ids.DeviceID   { return r.deviceID }
func (r *Record) CallID() ids.CallID       { return r.callID }
func (r *Record) Application() string      { return r.application }
func (r *Record) Scope() Scope             { return r.scope }
func (r *Record) CreatedTS() int64         { return r.createdTS }
func (r *Record) ExpiresMs() int64         { return r.expiresMs }
func (r *Record) ExpiryAbsolute() int64    { return r.createdTS + r.expiresMs }
func (r *Record) MsUntilExpiry(now int64) int64 { return r.ExpiryAbsolute() - now }

// IsExpired reports whether the record is expired as of now. The boundary is
// inclusive: an announcement whose expiry instant equals now is expired.
func (r *Record) IsExpired(now int64) bool {
	return r.MsUntilExpiry(now) <= 0
}

// PreferredFoci returns the ordered list of focus descriptors this device
// proposed.
func (r *Record) PreferredFoci() []FocusDescriptor {
	out := make([]FocusDescriptor, len(r.foci))
	copy(out, r.foci)
	return out
}

// FocusSelection returns the record's recognised focus selection policy.
// Construction already rejects unrecognised variants, so this always
// succeeds for a constructed Record.
func (r *Record) FocusSelection() FocusSelectionPolicy {
	return r.focusActive.FocusSelection
}

// FocusActiveType returns the focus mechanism tag (e.g. "livekit").
func (r *Record) FocusActiveType() string {
	return r.focusActive.Type
}

// Equal reports structural equality across every field.
func (r *Record) Equal(other *Record) bool {
	if r == nil || other == nil {
		return r == other
	}
	if r.sender != other.sender ||
		r.deviceID != other.deviceID ||
		r.callID != other.callID ||
		r.application != other.application ||
		r.scope != other.scope ||
		r.focusActive != other.focusActive ||
		r.expiresMs != other.expiresMs ||
		r.createdTS != other.createdTS {
		return false
	}
	if len(r.foci) != len(other.foci) {
		return false
	}
	for i := range r.foci {
		if !fociEqual(r.foci[i], other.foci[i]) {
			return false
		}
	}
	return true
}

func fociEqual(a, b FocusDescriptor) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok || fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}

// ValidationError accumulates every field-level problem found while
// constructing a Record, rather than short-circuiting on the first one.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid membership announcement: %s", strings.Join(e.Fields, "; "))
}

func (e *ValidationError) add(format string, args ...any) {
	e.Fields = append(e.Fields, fmt.Sprintf(format, args...))
}

func (e *ValidationError) anyErrors() bool { return len(e.Fields) > 0 }

// deprecated field names the source historically accepted; callers want
// canonical-name support with at most a warning for the others. Record
// construction does not itself warn (that belongs to the caller holding a
// logger); it simply also recognises these keys as synonyms.
const (
	legacyExpiresKey   = "expiry_ms"    // pre-MSC4143 naming
	legacyCreatedTSKey = "origin_ts"    // some senders reused the room event field name directly
)

// NewRecord validates a raw announcement (the decoded JSON content of an
// m.call.member state event) against the supplied event metadata and
// produces a Record. All field errors are accumulated and returned together
// rather than stopping at the first one.
func NewRecord(content map[string]any, meta EventMeta) (*Record, error) {
	verr := &ValidationError{}

	application, ok := stringField(content, "application")
	if !ok {
		verr.add("application: required string field missing or mistyped")
	}

	deviceID, ok := stringField(content, "device_id")
	if !ok {
		// The state key's device component is authoritative when the
		// content omits it (older senders only populated it in the key).
		if meta.DeviceID != "" {
			deviceID = string(meta.DeviceID)
		} else {
			verr.add("device_id: required string field missing or mistyped")
		}
	}

	callID, _ := stringField(content, "call_id") // empty string is valid (default session)

	scopeStr, ok := stringField(content, "scope")
	scope := Scope(scopeStr)
	if !ok {
		verr.add("scope: required string field missing or mistyped")
	} else if scope != ScopeRoom && scope != ScopeUser {
		verr.add("scope: unrecognised value %q", scopeStr)
	}

	expires, ok := numberField(content, "expires")
	if !ok {
		expires, ok = numberField(content, legacyExpiresKey)
	}
	if !ok {
		verr.add("expires: required numeric field missing or mistyped")
	}

	createdTS, hasCreatedTS := numberField(content, "created_ts")
	if !hasCreatedTS {
		createdTS, hasCreatedTS = numberField(content, legacyCreatedTSKey)
	}
	if !hasCreatedTS {
		createdTS = float64(meta.OriginServerTS)
	}

	focusActive, focusErrs := parseFocusActive(content["focus_active"])
	verr.Fields = append(verr.Fields, focusErrs...)

	foci, fociOK := parseFociPreferred(content["foci_preferred"])
	if !fociOK {
		verr.add("foci_preferred: expected a list of objects")
	}

	if verr.anyErrors() {
		return nil, verr
	}

	return &Record{
		sender:      meta.Sender,
		deviceID:    ids.DeviceID(deviceID),
		callID:      ids.CallID(callID),
		application: application,
		scope:       scope,
		focusActive: focusActive,
		foci:        foci,
		expiresMs:   int64(expires),
		createdTS:   int64(createdTS),
	}, nil
}

func stringField(content map[string]any, key string) (string, bool) {
	v, ok := content[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func numberField(content map[string]any, key string) (float64, bool) {
	v, ok := content[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func parseFocusActive(raw any) (FocusActive, []string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return FocusActive{}, []string{"focus_active: required object field missing or mistyped"}
	}
	typ, _ := stringField(m, "type")
	selection, _ := stringField(m, "focus_selection")
	fa := FocusActive{Type: typ, FocusSelection: FocusSelectionPolicy(selection)}
	if !fa.recognised() {
		return fa, []string{fmt.Sprintf("focus_active: unrecognised variant (type=%q, focus_selection=%q)", typ, selection)}
	}
	return fa, nil
}

func parseFociPreferred(raw any) ([]FocusDescriptor, bool) {
	if raw == nil {
		return nil, true
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, false
	}
	out := make([]FocusDescriptor, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		out = append(out, FocusDescriptor(m))
	}
	return out, true
}

// SortByCreatedTS sorts records ascending by created_ts, oldest first, as
// required for a Session's ordered membership list.
func SortByCreatedTS(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].createdTS < records[j].createdTS
	})
}
