package domain

import "time"

// InboundEvent is what a channel adapter hands to the coordinator.
type InboundEvent struct {
	ConversationID string            `json:"conversation_id"`
	Channel        string            `json:"channel"`
	Text           string            `json:"text"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// TurnResult is returned to the originating channel after a turn.
type TurnResult struct {
	ConversationID string        `json:"conversation_id"`
	TurnID         string        `json:"turn_id,omitempty"`
	Messages       []Message     `json:"messages"`
	Outcome        TurnOutcome   `json:"outcome"`
	ErrorKind      ErrorKind     `json:"error_kind,omitempty"`
	Action         TurnAction    `json:"action,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Reply returns the final assistant text of the turn.
func (r *TurnResult) Reply() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleAssistant {
			return r.Messages[i].Content
		}
	}
	return ""
}

// TurnRequest is the HTTP body for submitting a turn.
type TurnRequest struct {
	Text     string            `json:"text"`
	Channel  string            `json:"channel,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// GrantRequest is the admin body for issuing a grant.
type GrantRequest struct {
	Scope          string `json:"scope"`
	ConversationID string `json:"conversation_id,omitempty"`
	TTLSeconds     int    `json:"ttl_seconds,omitempty"`
	IssuedBy       string `json:"issued_by,omitempty"`
}
