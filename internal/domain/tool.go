package domain

import (
	"encoding/json"
	"time"
)

// ToolDescriptor describes a registered tool.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Capabilities []string        `json:"capabilities"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	TimeoutMs    int             `json:"timeout_ms,omitempty"`
}

// Timeout returns the per-invocation timeout, or def when unset.
func (d ToolDescriptor) Timeout(def time.Duration) time.Duration {
	if d.TimeoutMs <= 0 {
		return def
	}
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// ToolInvocation represents a tool execution record.
type ToolInvocation struct {
	InvocationID   string           `json:"invocation_id"`
	ConversationID string           `json:"conversation_id"`
	TurnID         string           `json:"turn_id"`
	ToolName       string           `json:"tool_name"`
	Args           json.RawMessage  `json:"args"`
	Status         InvocationStatus `json:"status"`
	Result         json.RawMessage  `json:"result,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
}

// Grant is a capability scope bound to a conversation or to the whole process.
type Grant struct {
	GrantID        string     `json:"grant_id"`
	Scope          string     `json:"scope"`
	ConversationID string     `json:"conversation_id,omitempty"`
	IssuedBy       string     `json:"issued_by,omitempty"`
	IssuedAt       time.Time  `json:"issued_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the grant is usable at t.
func (g Grant) Active(t time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !t.Before(*g.ExpiresAt) {
		return false
	}
	return true
}

// AppliesTo reports whether the grant covers the conversation.
func (g Grant) AppliesTo(conversationID string) bool {
	return g.ConversationID == "" || g.ConversationID == conversationID
}
