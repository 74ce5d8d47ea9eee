package domain

import (
	"encoding/json"
	"time"
)

// Conversation represents one conversation with a channel participant.
type Conversation struct {
	ConversationID string    `json:"conversation_id"`
	Channel        string    `json:"channel"`
	CreatedAt      time.Time `json:"created_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
	// ContextFloor is the highest sequence number excluded from context windows.
	ContextFloor int64 `json:"context_floor"`
}

// Message is one entry of a conversation's append-only log.
type Message struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Seq            int64           `json:"seq"`
	TurnID         string          `json:"turn_id,omitempty"`
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	InvocationID   string          `json:"invocation_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MemoryEntry is one key of a conversation's working memory.
type MemoryEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
