package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mhbxyz/OpenWatchParty/internal/logging"
	"github.com/mhbxyz/OpenWatchParty/internal/protocol"
	"github.com/mhbxyz/OpenWatchParty/internal/registry"
)

// writeWait bounds how long a single outbound frame write may take.
const writeWait = 10 * time.Second

// Client pairs a live WebSocket connection with its registry entry and runs
// the two pumps described in spec.md §4.3: a reader draining the socket
// into the dispatcher, and a forwarder draining the outbound queue into the
// socket.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub
	out  chan []byte
}

// readPump decodes inbound JSON frames and hands them to the dispatcher.
// Reading stops on the first socket error, at which point the shared
// disconnect path is invoked exactly once.
func (c *Client) readPump(conn *registry.Connection) {
	ctx := context.Background()
	defer func() {
		c.hub.Dispatcher.HandleDisconnect(ctx, conn)
		c.conn.Close()
	}()

	// Set well above MaxMessageBytes so an oversized frame is actually read
	// off the wire and rejected with a too_large error envelope below,
	// rather than having gorilla tear the socket down with ErrReadLimit
	// before the length check ever runs.
	c.conn.SetReadLimit(4 * protocol.MaxMessageBytes)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) > protocol.MaxMessageBytes {
			c.hub.Dispatcher.SendTooLarge(conn)
			continue
		}

		env, err := protocol.Decode(data)
		if err != nil {
			c.hub.Dispatcher.SendInvalidFormat(conn)
			continue
		}

		c.hub.Dispatcher.HandleMessage(ctx, conn, env)
	}
}

// writePump drains the connection's outbound queue into the socket. It
// exits when the queue is closed (connection torn down elsewhere), in which
// case it sends a close frame before returning.
func (c *Client) writePump() {
	defer c.conn.Close()

	for data := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logging.Warn(context.Background(), "websocket write failed", zap.String("conn_id", c.id), zap.Error(err))
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
