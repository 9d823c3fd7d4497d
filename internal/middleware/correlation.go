// Package middleware contains Gin middleware for the HTTP bootstrap surface
// (the /health and /metrics endpoints; the WebSocket upgrade itself is
// handled by internal/transport).
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mhbxyz/OpenWatchParty/internal/logging"
)

// HeaderXCorrelationID is the header key for the correlation ID.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID assigns a request-scoped correlation ID, reusing one
// supplied by the caller if present.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)

		c.Next()
	}
}
