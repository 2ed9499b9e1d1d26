package websocket

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fleetcore-io/fleetcore/internal/auth"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed for the first auth message after connecting
	authWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the dashboard host is pinned down
		return true
	},
}

// clientMessage is the inbound frame shape. Clients send an auth frame
// first, then optionally pings.
type clientMessage struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
}

// Client is one WebSocket connection. It joins the hub only after its
// token has been validated.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	authenticated bool
	identity      auth.Identity
}

// readPump consumes inbound frames. The first frame must carry a valid
// token or the connection is closed.
func (c *Client) readPump() {
	defer func() {
		if c.authenticated {
			select {
			case c.hub.unregister <- c:
			case <-c.hub.done:
			}
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}

		if !c.authenticated {
			if msg.Type != "auth" || msg.Token == "" {
				c.reject("first message must be an auth frame with a token")
				return
			}

			id, err := c.hub.auth.ValidateToken(msg.Token)
			if err != nil {
				c.logger.Warn("websocket authentication failed",
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
				c.reject("invalid or expired token")
				return
			}

			c.authenticated = true
			c.identity = id
			c.conn.SetReadDeadline(time.Now().Add(pongWait))

			c.enqueue(NewMessage(MessageTypeAuthSuccess, AuthSuccessData{
				Subject:     id.Subject,
				Role:        id.Role,
				Permissions: id.Permissions,
			}))

			select {
			case c.hub.register <- c:
			case <-c.hub.done:
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg clientMessage) {
	switch msg.Type {
	case "ping":
		c.enqueue(NewMessage(MessageTypePong, nil))
	default:
		c.logger.Debug("unknown websocket client message",
			zap.String("type", msg.Type),
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
	}
}

// reject writes the auth error directly: the client is not registered
// yet and the first ping is far beyond the auth deadline, so no other
// writer can be active.
func (c *Client) reject(reason string) {
	data, err := json.Marshal(NewMessage(MessageTypeAuthError, AuthErrorData{Reason: reason}))
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) enqueue(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal websocket message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full, dropping message",
			zap.String("message_type", string(msg.Type)))
	}
}

// writePump flushes outbound frames and keeps the connection alive with
// pings. It exits when the hub closes the send channel.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Coalesce queued messages into the current frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS upgrades the request and starts the client pumps. The client
// stays outside the hub until it authenticates.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
