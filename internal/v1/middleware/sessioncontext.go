// Package middleware contains Gin middleware for the admin HTTP surface.
package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matrix-org/matrixrtc-session-core/internal/v1/ids"
	"github.com/matrix-org/matrixrtc-session-core/internal/v1/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// SessionContext tags every admin request with a correlation ID and the
// room/call identity this process is serving, and seeds the request's
// context with all three so the logging helpers emit them on every log line
// a handler writes. The correlation ID is taken from the incoming header
// when present, generated otherwise, and always echoed on the response.
func SessionContext(room ids.RoomID, callID ids.CallID) gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		ctx := c.Request.Context()
		ctx = context.WithValue(ctx, logging.CorrelationIDKey, correlationID)
		ctx = context.WithValue(ctx, logging.RoomIDKey, string(room))
		ctx = context.WithValue(ctx, logging.CallIDKey, string(callID))
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}
