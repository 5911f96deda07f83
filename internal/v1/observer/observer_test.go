package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/membership"
)

func memberContent(deviceID string, createdTS, expires int64) map[string]any {
	return map[string]any{
		"call_id":     "",
		"scope":       "m.room",
		"application": "m.call",
		"device_id":   deviceID,
		"expires":     float64(expires),
		"created_ts":  float64(createdTS),
		"focus_active": map[string]any{
			"type":            "livekit",
			"focus_selection": "oldest_membership",
		},
	}
}

func TestObserver_FiltersByCallIDAndScope(t *testing.T) {
	o := New("!room:example.org", "call-a", membership.ScopeRoom, nil, nil)

	content := memberContent("DEV1", 0, 100_000)
	content["call_id"] = "call-b" // different call
	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	o.HandleStateEvent("@alice:example.org_DEV1", content, meta, 0)

	assert.Empty(t, o.Members())
}

func TestObserver_OrdersByCreatedTSAscending(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)

	metaA := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	metaB := membership.EventMeta{Sender: "@bob:example.org", OriginServerTS: 0}

	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 500, 100_000), metaA, 0)
	o.HandleStateEvent("@bob:example.org_DEV1", memberContent("DEV1", 100, 100_000), metaB, 0)

	members := o.Members()
	require.Len(t, members, 2)
	assert.Equal(t, ids.UserID("@bob:example.org"), members[0].Sender())
	assert.Equal(t, ids.UserID("@alice:example.org"), members[1].Sender())
}

func TestObserver_ExcludesExpiredAnnouncements(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 0, 1000), meta, 5000)

	assert.Empty(t, o.Members())
}

func TestObserver_EmptyContentRemovesMember(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 0, 100_000), meta, 0)
	require.Len(t, o.Members(), 1)

	o.HandleStateEvent("@alice:example.org_DEV1", map[string]any{}, meta, 0)
	assert.Empty(t, o.Members())
}

func TestObserver_AlwaysFiresUpdateHookEvenWithoutChange(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	var updateCalls, changeCalls int
	o.OnMemberUpdate(func(records []*membership.Record) { updateCalls++ })
	o.OnMembershipsChanged(func(old, new []*membership.Record) { changeCalls++ })

	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	content := memberContent("DEV1", 0, 100_000)
	o.HandleStateEvent("@alice:example.org_DEV1", content, meta, 0)
	// Re-send the identical announcement: update fires again, change does not.
	o.HandleStateEvent("@alice:example.org_DEV1", content, meta, 0)

	assert.Equal(t, 2, updateCalls)
	assert.Equal(t, 1, changeCalls)
}

func TestObserver_MalformedAnnouncementDropped(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	o.HandleStateEvent("@alice:example.org_DEV1", map[string]any{"scope": 5}, meta, 0)
	assert.Empty(t, o.Members())
}

func TestObserver_RotateKeyHookFiresEveryRecomputeEvenWithoutChange(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	var rotateCalls, changeCalls int
	o.OnMembershipsChanged(func(old, new []*membership.Record) { changeCalls++ })
	o.OnRotateEncryptionKey(func(new []*membership.Record) { rotateCalls++ })

	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	content := memberContent("DEV1", 0, 100_000)
	o.HandleStateEvent("@alice:example.org_DEV1", content, meta, 0)
	// Re-send the identical announcement: the roster is unchanged, but the
	// encryption hook still fires since a device's created_ts is its
	// per-device fingerprint and may have advanced even when the roster
	// itself did not change shape.
	o.HandleStateEvent("@alice:example.org_DEV1", content, meta, 0)

	assert.Equal(t, 2, rotateCalls)
	assert.Equal(t, 1, changeCalls)
}

func TestObserver_JoinedCheckExcludesLeftSenders(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	joined := map[ids.UserID]bool{"@alice:example.org": true, "@bob:example.org": true}
	o.SetJoinedCheck(func(user ids.UserID) bool { return joined[user] })

	metaA := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	metaB := membership.EventMeta{Sender: "@bob:example.org", OriginServerTS: 0}
	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 0, 100_000), metaA, 0)
	o.HandleStateEvent("@bob:example.org_DEV1", memberContent("DEV1", 100, 100_000), metaB, 0)
	require.Len(t, o.Members(), 2)

	// Bob leaves the room: his announcement is still in room state, but the
	// next member-update recomputation drops it.
	delete(joined, "@bob:example.org")
	o.HandleRoomMemberUpdate(200)

	members := o.Members()
	require.Len(t, members, 1)
	assert.Equal(t, ids.UserID("@alice:example.org"), members[0].Sender())
}

func TestObserver_CreatedTSGoingBackwardsNewerWins(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	meta := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}

	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 500, 100_000), meta, 0)
	o.HandleStateEvent("@alice:example.org_DEV1", memberContent("DEV1", 200, 100_000), meta, 0)

	members := o.Members()
	require.Len(t, members, 1)
	assert.Equal(t, int64(200), members[0].CreatedTS())
}

func TestObserver_GetFocusInUseFollowsOldestMember(t *testing.T) {
	o := New("!room:example.org", "", membership.ScopeRoom, nil, nil)
	require.Nil(t, o.GetFocusInUse())

	metaA := membership.EventMeta{Sender: "@alice:example.org", OriginServerTS: 0}
	metaB := membership.EventMeta{Sender: "@bob:example.org", OriginServerTS: 0}

	oldest := memberContent("DEV1", 100, 100_000)
	oldest["foci_preferred"] = []any{
		map[string]any{"type": "livekit", "livekit_service_url": "https://sfu-b.example.org"},
	}
	newer := memberContent("DEV1", 500, 100_000)
	newer["foci_preferred"] = []any{
		map[string]any{"type": "livekit", "livekit_service_url": "https://sfu-a.example.org"},
	}

	o.HandleStateEvent("@alice:example.org_DEV1", newer, metaA, 0)
	o.HandleStateEvent("@bob:example.org_DEV1", oldest, metaB, 0)

	require.NotNil(t, o.Oldest())
	assert.Equal(t, ids.UserID("@bob:example.org"), o.Oldest().Sender())

	focus := o.GetFocusInUse()
	require.NotNil(t, focus)
	assert.Equal(t, "https://sfu-b.example.org", focus["livekit_service_url"])

	// Another recomputation with the oldest member unchanged resolves the
	// exact same focus.
	o.HandleRoomMemberUpdate(0)
	again := o.GetFocusInUse()
	assert.Equal(t, focus, again)
}

func TestDeviceIDFromStateKey(t *testing.T) {
	assert.Equal(t, ids.DeviceID("DEV1"), deviceIDFromStateKey("@alice:example.org_DEV1"))
	assert.Equal(t, ids.DeviceID("DEV1"), deviceIDFromStateKey("_@alice:example.org_DEV1"))
}
