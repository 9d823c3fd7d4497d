// Package transport terminates the single WebSocket endpoint (C5):
// upgrading connections, validating Origin, and running each connection's
// read/write pumps against the dispatcher.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mhbxyz/OpenWatchParty/internal/dispatcher"
	"github.com/mhbxyz/OpenWatchParty/internal/logging"
)

// Hub upgrades HTTP requests at /ws into Client connections and owns the
// dispatcher every one of them is routed through.
type Hub struct {
	Dispatcher     *dispatcher.Dispatcher
	AllowedOrigins []string
	AuthEnabled    bool
}

// NewHub builds a Hub over d. allowedOrigins is the parsed ALLOWED_ORIGINS
// list; a single "*" entry disables the origin check entirely.
func NewHub(d *dispatcher.Dispatcher, allowedOrigins []string, authEnabled bool) *Hub {
	return &Hub{Dispatcher: d, AllowedOrigins: allowedOrigins, AuthEnabled: authEnabled}
}

func (h *Hub) allowsWildcard() bool {
	for _, o := range h.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// validateOrigin implements spec.md §6: no Origin header is accepted
// (non-browser clients); a present Origin must match the allow-list by
// scheme+host; a wildcard entry disables the check.
func (h *Hub) validateOrigin(r *http.Request) bool {
	if h.allowsWildcard() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.AllowedOrigins {
		allowedURL, err := url.Parse(strings.TrimSpace(allowed))
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// ServeWs upgrades the request to a WebSocket connection and starts the
// pumps. A connection id is assigned up front and handed to client_hello;
// no authentication happens at the handshake — it happens in-band via the
// "auth" message, matching spec.md §4.6.
func (h *Hub) ServeWs(c *gin.Context) {
	if !h.validateOrigin(c.Request) {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	upgrader.CheckOrigin = func(r *http.Request) bool { return h.validateOrigin(r) }
	wsConn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.New().String()
	ctx := context.Background()
	registryConn := h.Dispatcher.HandleConnect(ctx, connID, h.AuthEnabled)

	client := &Client{
		id:   connID,
		conn: wsConn,
		hub:  h,
		out:  registryConn.Out,
	}

	go client.writePump()
	go client.readPump(registryConn)
}
