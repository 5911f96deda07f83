package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/logging"
)

func TestSessionContext_GeneratesCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionContext("!room:example.org", "call-a"))

	r.GET("/test", func(c *gin.Context) {
		// No inbound header, so one must have been generated.
		assert.Empty(t, c.GetHeader(HeaderXCorrelationID))

		ctxVal, exists := c.Get(string(logging.CorrelationIDKey))
		assert.True(t, exists)
		assert.NotEmpty(t, ctxVal)
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.NotEmpty(t, resp.Header().Get(HeaderXCorrelationID))
}

func TestSessionContext_PropagatesExistingCorrelationID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionContext("!room:example.org", "call-a"))

	existingID := "existing-uuid-123"

	r.GET("/test", func(c *gin.Context) {
		assert.Equal(t, existingID, c.GetHeader(HeaderXCorrelationID))

		ctxVal, exists := c.Get(string(logging.CorrelationIDKey))
		assert.True(t, exists)
		assert.Equal(t, existingID, ctxVal)
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set(HeaderXCorrelationID, existingID)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, existingID, resp.Header().Get(HeaderXCorrelationID))
}

func TestSessionContext_SeedsRequestContextWithSessionIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SessionContext("!room:example.org", "call-a"))

	r.GET("/test", func(c *gin.Context) {
		ctx := c.Request.Context()
		assert.Equal(t, "!room:example.org", ctx.Value(logging.RoomIDKey))
		assert.Equal(t, "call-a", ctx.Value(logging.CallIDKey))
		assert.NotEmpty(t, ctx.Value(logging.CorrelationIDKey))
	})

	req, _ := http.NewRequest("GET", "/test", nil)
	resp := httptest.NewRecorder()

	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
