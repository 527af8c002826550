// README: Realtime connection registry over gorilla/websocket with explicit register/unregister.
package delivery

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"rideflow/internal/types"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MessageHandler receives inbound frames from an authenticated client.
type MessageHandler func(c *Client, msgType string, data json.RawMessage) error

type Client struct {
	ID     string
	UserID types.ID
	Role   types.Role
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	hub    *Hub
	once   sync.Once
}

// NewClient builds a client that is not attached to a socket. Tests read its
// queue through Outbox.
func NewClient(userID types.ID, role types.Role) *Client {
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *Client) Outbox() <-chan []byte { return c.send }

// Closed reports whether the connection has been dropped from its hub.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// close marks the client dead. send is never closed; writers check done.
func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks and is safe after close.
func (c *Client) enqueue(b []byte) bool {
	if c.Closed() {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Hub maps users to their live connections. One user may hold several.
type Hub struct {
	mu      sync.RWMutex
	clients map[types.ID]map[string]*Client
	handler MessageHandler
	log     *logrus.Entry
}

func NewHub(log *logrus.Entry) *Hub {
	return &Hub{
		clients: make(map[types.ID]map[string]*Client),
		log:     log.WithField("module", "realtime"),
	}
}

func (h *Hub) SetMessageHandler(handler MessageHandler) {
	h.handler = handler
}

func (h *Hub) Register(c *Client) {
	c.hub = h
	h.mu.Lock()
	conns := h.clients[c.UserID]
	if conns == nil {
		conns = make(map[string]*Client)
		h.clients[c.UserID] = conns
	}
	conns[c.ID] = c
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "role": c.Role, "conn_id": c.ID}).Debug("client registered")
}

// Unregister is a no-op for an unknown client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	conns := h.clients[c.UserID]
	_, ok := conns[c.ID]
	if ok {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.clients, c.UserID)
		}
	}
	h.mu.Unlock()
	if ok {
		c.close()
		h.log.WithFields(logrus.Fields{"user_id": c.UserID, "conn_id": c.ID}).Debug("client unregistered")
	}
}

func (h *Hub) IsConnected(userID types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Send queues payload on every connection of userID and reports whether at
// least one accepted it. A connection with a full queue is dropped.
func (h *Hub) Send(userID types.ID, payload []byte) bool {
	h.mu.RLock()
	conns := make([]*Client, 0, len(h.clients[userID]))
	for _, c := range h.clients[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := false
	for _, c := range conns {
		if c.enqueue(payload) {
			delivered = true
			continue
		}
		if !c.Closed() {
			h.log.WithFields(logrus.Fields{"user_id": userID, "conn_id": c.ID}).Warn("send queue full, dropping connection")
			h.Unregister(c)
		}
	}
	return delivered
}

// ServeWS upgrades an already authenticated request and runs the pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID types.ID, role types.Role) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	c := NewClient(userID, role)
	c.conn = conn
	h.Register(c)

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		if r := recover(); r != nil {
			c.hub.log.WithFields(logrus.Fields{"conn_id": c.ID, "panic": r}).Error("frame handler panicked")
		}
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("conn_id", c.ID).Warn("websocket read error")
			}
			return
		}

		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.WithError(err).WithField("conn_id", c.ID).Debug("unparseable frame")
			continue
		}
		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler(c, msg.Type, msg.Data); err != nil {
			c.reply(map[string]any{"type": "error", "data": map[string]string{"message": err.Error()}})
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a frame for this connection only.
func (c *Client) reply(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.enqueue(b)
}

// Reply is used by message handlers to acknowledge a frame.
func (c *Client) Reply(v any) { c.reply(v) }
