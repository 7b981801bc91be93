// File: internal/server/hub.go
// Description: WebSocket progress feed. The hub fans session events out to
// every connected client; each connection gets a write pump so all writes to
// the socket are serialized and kept alive with pings.
package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/retrace-cli/api/schemas"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The control plane binds to loopback-adjacent deployments; origin
	// enforcement belongs to the operator's proxy.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Constants for WebSocket timeouts and limits (based on Gorilla WebSocket examples).
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer.
	maxMessageSize = 1024
	// Send buffer size per client.
	sendChannelSize = 256
)

// Hub tracks connected progress consumers.
type Hub struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger.Named("progress_hub"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast queues an event for every connected client. Slow consumers get
// events dropped rather than blocking the session loop.
func (h *Hub) Broadcast(event schemas.ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- event:
		default:
			h.logger.Warn("Progress send buffer full, dropping event",
				zap.String("type", string(event.Type)))
		}
	}
}

func (h *Hub) register(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// ServeHTTP upgrades the connection and runs the pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Error("Failed to upgrade progress connection", zap.Error(err))
		return
	}
	h.logger.Info("Progress consumer connected", zap.String("remote_addr", r.RemoteAddr))

	client := &wsClient{
		hub:  h,
		conn: conn,
		send: make(chan schemas.ProgressEvent, sendChannelSize),
	}
	h.register(client)

	go client.writePump()
	// The read pump blocks until the peer goes away; it exists to service
	// pongs and close frames.
	client.readPump()
}

// wsClient is one active progress connection.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan schemas.ProgressEvent
}

// readPump drains control messages and detects closure.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.hub.logger.Error("Failed to set initial read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Progress connection closed unexpectedly", zap.Error(err))
			}
			return
		}
		// The feed is one-way; inbound payloads are ignored.
	}
}

// writePump serializes all writes to the connection and keeps it alive.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.hub.logger.Error("Failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.hub.logger.Error("Error writing progress event", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
