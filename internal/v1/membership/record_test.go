package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
)

func validContent() map[string]any {
	return map[string]any{
		"call_id":     "",
		"scope":       "m.room",
		"application": "m.call",
		"device_id":   "DEVICE1",
		"expires":     float64(14_400_000),
		"created_ts":  float64(1000),
		"focus_active": map[string]any{
			"type":            "livekit",
			"focus_selection": "oldest_membership",
		},
		"foci_preferred": []any{
			map[string]any{"livekit_service_url": "https://sfu.example.org"},
		},
	}
}

func TestNewRecord_Valid(t *testing.T) {
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 1000}
	r, err := NewRecord(validContent(), meta)
	require.NoError(t, err)
	assert.Equal(t, ids.UserID("@alice:example.org"), r.Sender())
	assert.Equal(t, ids.DeviceID("DEVICE1"), r.DeviceID())
	assert.Equal(t, ScopeRoom, r.Scope())
	assert.Equal(t, int64(1000), r.CreatedTS())
	assert.Equal(t, int64(14_401_000), r.ExpiryAbsolute())
	assert.Equal(t, FocusSelectionOldestMembership, r.FocusSelection())
	assert.Len(t, r.PreferredFoci(), 1)
}

func TestNewRecord_CreatedTSDefaultsToEventTimestamp(t *testing.T) {
	content := validContent()
	delete(content, "created_ts")
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 5000}
	r, err := NewRecord(content, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), r.CreatedTS())
}

func TestNewRecord_DeviceIDFallsBackToStateKey(t *testing.T) {
	content := validContent()
	delete(content, "device_id")
	meta := EventMeta{Sender: "@alice:example.org", DeviceID: "FROMKEY", OriginServerTS: 1000}
	r, err := NewRecord(content, meta)
	require.NoError(t, err)
	assert.Equal(t, ids.DeviceID("FROMKEY"), r.DeviceID())
}

func TestNewRecord_AccumulatesAllFieldErrors(t *testing.T) {
	content := map[string]any{
		"scope": 5, // wrong type
		// application missing
		// device_id missing, and no meta fallback
		// expires missing
		"focus_active": map[string]any{"type": "livekit", "focus_selection": "newest_membership"},
	}
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 1000}
	_, err := NewRecord(content, meta)
	require.Error(t, err)
	verr, ok := err.(*ValidationError)
	require.True(t, ok)
	// application, device_id, scope, expires, focus_active: five distinct problems.
	assert.GreaterOrEqual(t, len(verr.Fields), 5)
}

func TestNewRecord_RejectsUnrecognisedFocusVariant(t *testing.T) {
	content := validContent()
	content["focus_active"] = map[string]any{"type": "", "focus_selection": ""}
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 1000}
	_, err := NewRecord(content, meta)
	require.Error(t, err)
}

func TestIsExpired_BoundaryInclusive(t *testing.T) {
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	content := validContent()
	content["created_ts"] = float64(0)
	content["expires"] = float64(1000)
	r, err := NewRecord(content, meta)
	require.NoError(t, err)

	assert.False(t, r.IsExpired(999))
	assert.True(t, r.IsExpired(1000))
	assert.True(t, r.IsExpired(1001))
	assert.Equal(t, int64(0), r.MsUntilExpiry(1000))
}

func TestEqual(t *testing.T) {
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 1000}
	a, err := NewRecord(validContent(), meta)
	require.NoError(t, err)
	b, err := NewRecord(validContent(), meta)
	require.NoError(t, err)
	assert.True(t, a.Equal(b))

	content2 := validContent()
	content2["device_id"] = "DEVICE2"
	c, err := NewRecord(content2, meta)
	require.NoError(t, err)
	assert.False(t, a.Equal(c))
}

func TestSortByCreatedTS(t *testing.T) {
	meta := EventMeta{Sender: "@alice:example.org", OriginServerTS: 1000}
	c1 := validContent()
	c1["created_ts"] = float64(200)
	r1, err := NewRecord(c1, meta)
	require.NoError(t, err)

	c2 := validContent()
	c2["created_ts"] = float64(100)
	r2, err := NewRecord(c2, meta)
	require.NoError(t, err)

	records := []*Record{r1, r2}
	SortByCreatedTS(records)
	assert.Equal(t, int64(100), records[0].CreatedTS())
	assert.Equal(t, int64(200), records[1].CreatedTS())
}
