package http

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/hub"
	"github.com/xiaot623/aiva/internal/service"
)

// checkOrigin admits the configured browser origins. Without any, only
// same-origin browsers and clients that send no Origin header are admitted.
func checkOrigin(allowed []string) func(*nethttp.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *nethttp.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// HandleWebSocket handles WebSocket upgrade and connection lifecycle.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("failed to upgrade websocket", zap.Error(err))
		return err
	}

	conn := s.hub.NewConnection(ws)
	if err := s.hub.Register(conn); err != nil {
		_ = ws.Close()
		return nil
	}
	ws.SetReadLimit(s.cfg.WSMaxMessageSize)

	go s.writePump(conn)
	go s.readPump(conn)

	return nil
}

// readPump reads messages from the WebSocket connection.
func (s *Server) readPump(conn *hub.Connection) {
	defer func() {
		s.hub.Unregister(conn)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSReadTimeout))
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warn("websocket error", zap.String("connection_id", conn.ID), zap.Error(err))
			}
			return
		}
		s.handleMessage(conn, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (s *Server) writePump(conn *hub.Connection) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if !ok {
				// Hub closed the channel
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.log.Debug("failed to write message", zap.String("connection_id", conn.ID), zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage dispatches incoming messages to appropriate handlers.
func (s *Server) handleMessage(conn *hub.Connection, data []byte) {
	var base hub.BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		s.sendError(conn, "", hub.ErrorCodeInvalidMessage, "invalid JSON message")
		return
	}

	switch base.Type {
	case hub.TypeHello:
		s.handleHello(conn, data)
	case hub.TypeUserMessage:
		s.handleUserMessage(conn, data)
	default:
		s.sendError(conn, base.RequestID, hub.ErrorCodeInvalidMessage, "unknown message type: "+base.Type)
	}
}

// handleHello binds the connection to a conversation.
func (s *Server) handleHello(conn *hub.Connection, data []byte) {
	var msg hub.HelloMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", hub.ErrorCodeInvalidMessage, "invalid hello message")
		return
	}

	if s.cfg.APIKey != "" && msg.APIKey != s.cfg.APIKey {
		s.sendError(conn, msg.RequestID, hub.ErrorCodeUnauthorized, "invalid api_key")
		return
	}

	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = "conv_" + uuid.New().String()[:8]
	}
	s.hub.Bind(conn, conversationID)

	ack := hub.NewBase(hub.TypeHelloAck, conversationID)
	ack.RequestID = msg.RequestID
	_ = s.hub.SendJSON(conn, ack)

	s.log.Info("hello handshake completed",
		zap.String("connection_id", conn.ID),
		zap.String("conversation_id", conversationID),
		zap.String("user_id", msg.UserID))
}

// handleUserMessage submits a turn without blocking the read loop. Deltas,
// the turn's assistant and tool messages and a closing done are broadcast to
// every connection of the conversation.
func (s *Server) handleUserMessage(conn *hub.Connection, data []byte) {
	var msg hub.UserMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "", hub.ErrorCodeInvalidMessage, "invalid user_message")
		return
	}
	if conn.ConversationID == "" {
		s.sendError(conn, msg.RequestID, hub.ErrorCodeConversationRequired, "must send hello first")
		return
	}

	conversationID := conn.ConversationID
	requestID := msg.RequestID
	ev := domain.InboundEvent{
		ConversationID: conversationID,
		Channel:        "ws",
		Text:           msg.Text,
	}
	if requestID != "" {
		ev.Metadata = map[string]string{"request_id": requestID}
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()

		onDelta := func(text string) error {
			delta := hub.DeltaMessage{BaseMessage: hub.NewBase(hub.TypeDelta, conversationID), Text: text}
			delta.RequestID = requestID
			return s.hub.BroadcastJSON(conversationID, delta)
		}
		res, err := s.svc.Submit(context.Background(), ev, service.WithDeltas(onDelta))
		if err != nil {
			s.log.Warn("submit failed", zap.String("conversation_id", conversationID), zap.Error(err))
			s.sendErrorToConversation(conversationID, requestID, hub.ErrorCodeInternalError, err.Error())
			return
		}

		for _, m := range res.Messages {
			if m.Role == domain.RoleUser {
				continue
			}
			out := hub.ChatMessage{BaseMessage: hub.NewBase(hub.TypeMessage, conversationID), Role: string(m.Role), Content: m.Content}
			out.RequestID = requestID
			out.TurnID = res.TurnID
			_ = s.hub.BroadcastJSON(conversationID, out)
		}

		done := hub.DoneMessage{
			BaseMessage: hub.NewBase(hub.TypeDone, conversationID),
			Outcome:     string(res.Outcome),
			ErrorKind:   string(res.ErrorKind),
			Action:      string(res.Action),
		}
		done.RequestID = requestID
		done.TurnID = res.TurnID
		_ = s.hub.BroadcastJSON(conversationID, done)
	}()
}

// sendError sends an error message to a connection.
func (s *Server) sendError(conn *hub.Connection, requestID, code, message string) {
	msg := hub.ErrorMessage{BaseMessage: hub.NewBase(hub.TypeError, conn.ConversationID), Code: code, Message: message}
	msg.RequestID = requestID
	_ = s.hub.SendJSON(conn, msg)
}

// sendErrorToConversation sends an error message to all connections of a conversation.
func (s *Server) sendErrorToConversation(conversationID, requestID, code, message string) {
	msg := hub.ErrorMessage{BaseMessage: hub.NewBase(hub.TypeError, conversationID), Code: code, Message: message}
	msg.RequestID = requestID
	_ = s.hub.BroadcastJSON(conversationID, msg)
}
