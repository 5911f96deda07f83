package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	err error
}

func (f *fakeBus) Ping(ctx context.Context) error { return f.err }

func TestLiveness_AlwaysSucceeds(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)

	handler.Liveness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadiness_NoEventBus(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
}

func TestReadiness_EventBusHealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&fakeBus{}, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eventbus")
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestReadiness_EventBusUnhealthy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(&fakeBus{err: errors.New("connection refused")}, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)

	handler.Readiness(c)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestStatus_NoManagerWired(t *testing.T) {
	gin.SetMode(gin.TestMode)

	handler := NewHandler(nil, nil, nil)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/status", nil)

	handler.Status(c)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unknown")
	assert.Contains(t, w.Body.String(), `"members":[]`)
}

func TestStatus_ReportsManagerAndRoster(t *testing.T) {
	gin.SetMode(gin.TestMode)

	statusFn := func() string { return "connected" }
	rosterFn := func() []RosterMember {
		return []RosterMember{
			{Sender: "@alice:example.org", DeviceID: "DEVICE1", CallID: "", CreatedTS: 1000, ExpiresMs: 14_400_000},
		}
	}
	handler := NewHandler(nil, statusFn, rosterFn)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/status", nil)

	handler.Status(c)

	assert.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "connected")
	assert.Contains(t, body, "@alice:example.org")
	assert.Contains(t, body, "DEVICE1")
}
