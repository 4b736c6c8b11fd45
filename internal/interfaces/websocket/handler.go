// Package websocket is the boundary-level streaming observer named in
// SPEC_FULL.md's domain stack table: it re-publishes Wire events
// (internal/infrastructure/eventbus) to connected browser/CLI clients over
// gorilla/websocket, and forwards client-submitted approval decisions back
// into the Approval Arbiter via the same Resolve callback the REPL uses
// (internal/interfaces/repl/repl.go's watchWire/promptApproval).
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jimiagent/jimi/internal/infrastructure/eventbus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // left open; callers behind a reverse proxy should lock this down
	},
}

// MessageType is the discriminator on the wire message envelope.
type MessageType string

const (
	MessageTypeEvent    MessageType = "event"    // Wire event forwarded to the client
	MessageTypeApproval MessageType = "approval"  // client resolving an approval-request event
	MessageTypeError    MessageType = "error"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
)

// WSMessage is the envelope exchanged with clients.
type WSMessage struct {
	Type      MessageType    `json:"type"`
	EventType string         `json:"event_type,omitempty"` // set when Type == event; one of eventbus.Event* constants
	ID        string         `json:"id,omitempty"`         // ToolCallID for approval-request/approval messages
	Payload   any            `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Client is one connected websocket subscriber.
type Client struct {
	ID     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	logger *zap.Logger
}

// Hub fans Wire events out to every connected Client and routes approval
// replies back to the Arbiter. One Hub is shared by all websocket
// connections for a process; it subscribes to the engine's Wire once its
// Run loop starts.
type Hub struct {
	wire   eventbus.Wire
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client

	pendingMu sync.Mutex
	pending   map[string]func(response string) // ToolCallID -> Resolve
}

// NewHub creates a Hub that streams wire's events to connected clients.
func NewHub(wire eventbus.Wire, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		wire:       wire,
		logger:     logger.With(zap.String("component", "websocket")),
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		pending:    make(map[string]func(response string)),
	}
}

// Run subscribes to the Wire and services client (dis)connects until ctx is
// cancelled. It must be started before any ServeWS calls are expected to
// deliver events.
func (h *Hub) Run(ctx context.Context) {
	sub := h.wire.Subscribe(128)
	defer h.wire.Unsubscribe(sub.ID)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.logger.Info("client connected", zap.String("client_id", client.ID))
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Info("client disconnected", zap.String("client_id", client.ID))
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			h.handleWireEvent(ev)
		}
	}
}

// handleWireEvent converts one Wire event into a WSMessage and broadcasts
// it; approval-request events additionally register the Resolve callback so
// a later client reply can complete the Arbiter round-trip.
func (h *Hub) handleWireEvent(ev eventbus.Event) {
	msg := WSMessage{Type: MessageTypeEvent, EventType: ev.Type(), Timestamp: ev.Timestamp().Unix()}

	if ev.Type() == eventbus.EventApprovalRequest {
		p, ok := ev.Payload().(eventbus.ApprovalRequestPayload)
		if !ok {
			return
		}
		h.pendingMu.Lock()
		h.pending[p.ToolCallID] = p.Resolve
		h.pendingMu.Unlock()
		msg.ID = p.ToolCallID
		msg.Payload = map[string]any{"action": p.Action, "description": p.Description}
	} else {
		msg.Payload = ev.Payload()
	}

	h.broadcast(mustMarshal(&msg))
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping event for slow client", zap.String("client_id", id))
		}
	}
}

// resolveApproval completes a pending approval-request round-trip. Unknown
// or already-resolved IDs are ignored.
func (h *Hub) resolveApproval(toolCallID, response string) {
	h.pendingMu.Lock()
	resolve, ok := h.pending[toolCallID]
	if ok {
		delete(h.pending, toolCallID)
	}
	h.pendingMu.Unlock()
	if ok {
		resolve(response)
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler adapts Hub to net/http.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHandler creates an http.HandlerFunc-compatible websocket endpoint
// backed by hub.
func NewHandler(hub *Hub, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, logger: logger}
}

// ServeWS upgrades the connection and starts its read/write pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = time.Now().Format("20060102150405.000000000")
	}

	client := &Client{
		ID:     clientID,
		conn:   conn,
		send:   make(chan []byte, 256),
		hub:    h.hub,
		logger: h.logger,
	}

	h.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads approval replies off the connection; any other message
// type is ignored.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket read error", zap.Error(err))
			}
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("failed to parse client message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MessageTypePing:
			c.send <- mustMarshal(&WSMessage{Type: MessageTypePong, Timestamp: time.Now().Unix()})
		case MessageTypeApproval:
			response, _ := msg.Payload.(string)
			c.hub.resolveApproval(msg.ID, response)
		}
	}
}

// writePump drains the client's send channel to the connection and sends
// periodic pings to detect dead peers.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func mustMarshal(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
