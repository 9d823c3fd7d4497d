// Package health exposes a liveness endpoint. This server has no external
// dependencies (no database, no message broker, no downstream service) to
// probe readiness against, so there is a single liveness check.
package health

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Response is the liveness probe body.
type Response struct {
	Status      string `json:"status"`
	AuthEnabled bool   `json:"auth_enabled"`
	Timestamp   string `json:"timestamp"`
}

// Handler serves the liveness endpoint.
type Handler struct {
	authEnabled bool
}

// NewHandler builds a Handler reporting whether token auth is enabled.
func NewHandler(authEnabled bool) *Handler {
	return &Handler{authEnabled: authEnabled}
}

// Liveness handles GET /health. It returns 200 whenever the process is
// able to respond at all: there is nothing external to degrade against.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, Response{
		Status:      "ok",
		AuthEnabled: h.authEnabled,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}
