package hub

import "time"

// Message types from client to server.
const (
	TypeHello       = "hello"
	TypeUserMessage = "user_message"
)

// Message types from server to client.
const (
	TypeHelloAck = "hello_ack"
	TypeDelta    = "delta"
	TypeMessage  = "message"
	TypeDone     = "done"
	TypeError    = "error"
)

// Error codes.
const (
	ErrorCodeInvalidMessage       = "invalid_message"
	ErrorCodeUnauthorized         = "unauthorized"
	ErrorCodeConversationRequired = "conversation_required"
	ErrorCodeInternalError        = "internal_error"
)

// BaseMessage contains common fields for all messages.
type BaseMessage struct {
	Type           string `json:"type"`
	Ts             int64  `json:"ts"`
	RequestID      string `json:"request_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TurnID         string `json:"turn_id,omitempty"`
}

// NewBase stamps a message of type typ.
func NewBase(typ, conversationID string) BaseMessage {
	return BaseMessage{Type: typ, Ts: time.Now().UnixMilli(), ConversationID: conversationID}
}

// HelloMessage binds a connection to a conversation.
type HelloMessage struct {
	BaseMessage
	UserID     string            `json:"user_id,omitempty"`
	APIKey     string            `json:"api_key,omitempty"`
	ClientMeta map[string]string `json:"client_meta,omitempty"`
}

// UserMessage submits a turn.
type UserMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// DeltaMessage carries streamed assistant text.
type DeltaMessage struct {
	BaseMessage
	Text string `json:"text"`
}

// ChatMessage delivers a complete assistant message.
type ChatMessage struct {
	BaseMessage
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DoneMessage ends a turn.
type DoneMessage struct {
	BaseMessage
	Outcome   string `json:"outcome"`
	ErrorKind string `json:"error_kind,omitempty"`
	Action    string `json:"action,omitempty"`
}

// ErrorMessage reports a protocol error.
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"code"`
	Message string `json:"message"`
}
