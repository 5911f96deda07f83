// Package ids defines the identifier types shared across the membership
// core: every domain identifier gets its own string type instead of bare
// strings passed around.
package ids

import "fmt"

// UserID is a Matrix user identifier, e.g. "@alice:example.org".
type UserID string

// DeviceID is a per-device identifier, unique within a user's account.
type DeviceID string

// RoomID is a Matrix room identifier, e.g. "!abc123:example.org".
type RoomID string

// CallID groups announcements into a logical session. The empty string is
// the default room-wide session.
type CallID string

// RoomVersion is the room's version string as reported by room state.
type RoomVersion string

// StateKey is the derived state key for a membership state event.
type StateKey string

// legacyRoomVersions lists the room versions that still use the
// underscore-prefixed state-key namespace for call membership events.
var legacyRoomVersions = map[RoomVersion]bool{
	"org.matrix.msc3401.call.legacy": true,
}

// DeriveStateKey computes "{user_id}_{device_id}", prefixed with an
// underscore when the room version falls in the legacy namespace. This is a
// pure function of (user, device, room version).
func DeriveStateKey(user UserID, device DeviceID, roomVersion RoomVersion) StateKey {
	key := fmt.Sprintf("%s_%s", user, device)
	if legacyRoomVersions[roomVersion] {
		key = "_" + key
	}
	return StateKey(key)
}
