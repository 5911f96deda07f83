// Package health exposes the operator-facing liveness, readiness, and
// session-status endpoints for a running rtcsession process.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// EventBusChecker is the narrow capability the readiness probe needs from
// the cross-process event bus: internal/v1/eventbus.Bus satisfies this.
type EventBusChecker interface {
	Ping(ctx context.Context) error
}

// RosterMember is the shape of one entry reported by the /status endpoint's
// session roster, a denormalised view of a membership.Record.
type RosterMember struct {
	Sender    string `json:"sender"`
	DeviceID  string `json:"device_id"`
	CallID    string `json:"call_id"`
	CreatedTS int64  `json:"created_ts"`
	ExpiresMs int64  `json:"expires_ms"`
}

// StatusFunc returns the Manager's current derived lifecycle phase.
type StatusFunc func() string

// RosterFunc returns the Session Observer's current filtered roster.
type RosterFunc func() []RosterMember

// Handler serves the admin HTTP surface's health and status endpoints.
type Handler struct {
	bus        EventBusChecker
	statusFn   StatusFunc
	rosterFn   RosterFunc
	busEnabled bool
}

// NewHandler constructs a Handler. bus may be nil when no cross-process
// event bus is configured; statusFn/rosterFn may be nil before a Manager
// and Observer are wired up, in which case /status reports the status
// "unknown" and an empty members list.
func NewHandler(bus EventBusChecker, statusFn StatusFunc, rosterFn RosterFunc) *Handler {
	return &Handler{
		bus:        bus,
		busEnabled: bus != nil,
		statusFn:   statusFn,
		rosterFn:   rosterFn,
	}
}

// LivenessResponse is the liveness probe's response body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe's response body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// StatusResponse is the /status endpoint's response body: the Manager's
// coarse lifecycle phase and the Observer's current session roster.
type StatusResponse struct {
	ManagerStatus string         `json:"manager_status"`
	Members       []RosterMember `json:"members"`
	Timestamp     string         `json:"timestamp"`
}

// Liveness reports whether the process is alive. It never depends on any
// external collaborator, so it always returns 200.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness reports whether the process's external dependencies (currently:
// the cross-process event bus, when configured) are reachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.busEnabled {
		status := "healthy"
		if err := h.bus.Ping(ctx); err != nil {
			status = "unhealthy"
			allHealthy = false
		}
		checks["eventbus"] = status
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Status reports the Manager's derived lifecycle phase and the Observer's
// current session roster, for operator diagnostics.
func (h *Handler) Status(c *gin.Context) {
	resp := StatusResponse{
		ManagerStatus: "unknown",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	if h.statusFn != nil {
		resp.ManagerStatus = h.statusFn()
	}
	if h.rosterFn != nil {
		resp.Members = h.rosterFn()
	}
	if resp.Members == nil {
		resp.Members = []RosterMember{}
	}
	c.JSON(http.StatusOK, resp)
}
