// Package hub provides connection management for WebSocket clients.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
)

var (
	// ErrBufferFull is returned when a connection's send buffer is full.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNotConnected is returned when a conversation has no live connection.
	ErrNotConnected = errors.New("conversation has no active connection")
	// ErrStopped is returned after the hub loop has exited.
	ErrStopped = errors.New("hub stopped")
)

const sendBuffer = 256

// Connection represents a single WebSocket connection.
type Connection struct {
	ID             string
	ConversationID string
	Conn           *websocket.Conn
	Send           chan []byte
	mu             sync.Mutex
}

// Hub fans messages out to the connections bound to each conversation.
type Hub struct {
	connections   map[string]*Connection
	conversations map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *conversationMessage
	done       chan struct{}

	mu  sync.RWMutex
	log *zap.Logger
}

type conversationMessage struct {
	conversationID string
	data           []byte
}

// New creates a hub.
func New(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		connections:   make(map[string]*Connection),
		conversations: make(map[string]map[string]bool),
		register:      make(chan *Connection),
		unregister:    make(chan *Connection),
		broadcast:     make(chan *conversationMessage, sendBuffer),
		done:          make(chan struct{}),
		log:           log,
	}
}

// Run processes registrations and broadcasts until ctx is done. All send
// channels are closed on exit.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for id, conn := range h.connections {
			close(conn.Send)
			delete(h.connections, id)
		}
		h.conversations = make(map[string]map[string]bool)
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.ConversationID != "" {
				h.bindLocked(conn, conn.ConversationID)
			}
			h.mu.Unlock()
			h.log.Debug("connection registered", zap.String("connection_id", conn.ID))

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				h.unbindLocked(conn)
				close(conn.Send)
			}
			h.mu.Unlock()
			h.log.Debug("connection unregistered", zap.String("connection_id", conn.ID))

		case msg := <-h.broadcast:
			h.mu.RLock()
			var slow []*Connection
			for connID := range h.conversations[msg.conversationID] {
				conn, exists := h.connections[connID]
				if !exists {
					continue
				}
				select {
				case conn.Send <- msg.data:
				default:
					slow = append(slow, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range slow {
				h.log.Warn("connection buffer full, closing", zap.String("connection_id", conn.ID))
				h.drop(conn)
			}
		}
	}
}

// drop unregisters conn from inside the loop.
func (h *Hub) drop(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.connections[conn.ID]; ok {
		delete(h.connections, conn.ID)
		h.unbindLocked(conn)
		close(conn.Send)
	}
}

// NewConnection wraps ws. The connection still has to be registered.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, sendBuffer),
	}
}

// Register registers a connection with the hub.
func (h *Hub) Register(conn *Connection) error {
	select {
	case h.register <- conn:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Unregister unregisters a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Bind attaches a connection to a conversation, leaving any previous one.
func (h *Hub) Bind(conn *Connection, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unbindLocked(conn)
	h.bindLocked(conn, conversationID)
}

func (h *Hub) bindLocked(conn *Connection, conversationID string) {
	conn.ConversationID = conversationID
	if h.conversations[conversationID] == nil {
		h.conversations[conversationID] = make(map[string]bool)
	}
	h.conversations[conversationID][conn.ID] = true
}

func (h *Hub) unbindLocked(conn *Connection) {
	if conn.ConversationID == "" || h.conversations[conn.ConversationID] == nil {
		return
	}
	delete(h.conversations[conn.ConversationID], conn.ID)
	if len(h.conversations[conn.ConversationID]) == 0 {
		delete(h.conversations, conn.ConversationID)
	}
}

// Broadcast queues data for every connection of a conversation.
func (h *Hub) Broadcast(conversationID string, data []byte) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.broadcast <- &conversationMessage{conversationID: conversationID, data: data}:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// BroadcastJSON sends a JSON message to all connections of a conversation.
func (h *Hub) BroadcastJSON(conversationID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return h.Broadcast(conversationID, data)
}

// SendJSON sends a JSON message to one connection.
func (h *Hub) SendJSON(conn *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.connections[conn.ID]; !ok {
		return ErrNotConnected
	}
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// Notify pushes an assistant message to the conversation's connections.
func (h *Hub) Notify(ctx context.Context, conversationID, text string) error {
	if !h.HasActiveConnections(conversationID) {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return h.BroadcastJSON(conversationID, ChatMessage{
		BaseMessage: NewBase(TypeMessage, conversationID),
		Role:        string(domain.RoleAssistant),
		Content:     text,
	})
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// ConversationCount returns the number of conversations with connections.
func (h *Hub) ConversationCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations)
}

// HasActiveConnections reports whether a conversation has a live connection.
func (h *Hub) HasActiveConnections(conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conversations[conversationID]) > 0
}

// WriteMessage writes a message to the connection with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
