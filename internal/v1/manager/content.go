package manager

import "github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"

const memberEventType = "m.call.member"

// joinContent builds the m.call.member content written by SendJoinEvent and
// refreshed by UpdateExpiry. expiresMs is the absolute window for
// this particular write; the caller grows it by one expiry period on every
// successive refresh.
func (m *Manager) joinContent(expiresMs int64) map[string]any {
	deviceID, _ := m.facade.DeviceID()
	content := map[string]any{
		"application": m.cfg.Application,
		"device_id":   string(deviceID),
		"call_id":     string(m.callID),
		"scope":       "m.room",
		"expires":     expiresMs,
		"focus_active": map[string]any{
			"type":            m.focusActive.Type,
			"focus_selection": string(m.focusActive.FocusSelection),
		},
	}
	if len(m.foci) > 0 {
		foci := make([]any, len(m.foci))
		for i, f := range m.foci {
			foci[i] = map[string]any(f)
		}
		content["foci_preferred"] = foci
	}
	return content
}

func (m *Manager) ownStateKey() ids.StateKey {
	user, _ := m.facade.UserID()
	device, _ := m.facade.DeviceID()
	return ids.DeriveStateKey(user, device, m.cfg.roomVersion())
}

func (c Config) roomVersion() ids.RoomVersion { return ids.RoomVersion(c.RoomVersion) }
