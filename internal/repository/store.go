// Package repository persists conversations, messages, working memory,
// tool invocations and capability grants.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xiaot623/aiva/internal/domain"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore manages conversation records.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation, creating it on first contact.
	GetOrCreateConversation(ctx context.Context, conversationID, channel string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error)
	ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error)
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error
	SetContextFloor(ctx context.Context, conversationID string, seq int64) error
	// DeleteConversation removes the conversation with its messages, memory and invocations.
	DeleteConversation(ctx context.Context, conversationID string) error
	// ListIdleConversations returns ids of conversations last active before the cutoff.
	ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]string, error)
}

// MessageStore manages the append-only message log.
type MessageStore interface {
	// AppendMessage assigns the next sequence number atomically. MessageID and
	// CreatedAt are filled in when empty.
	AppendMessage(ctx context.Context, msg *domain.Message) error
	// ListMessages returns the latest limit messages in sequence order; limit <= 0 returns all.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	// MessagesSince returns messages with Seq greater than afterSeq in sequence order.
	MessagesSince(ctx context.Context, conversationID string, afterSeq int64) ([]domain.Message, error)
}

// WorkingMemoryStore manages per-conversation working memory.
type WorkingMemoryStore interface {
	SetMemory(ctx context.Context, conversationID, key, value string) error
	GetMemory(ctx context.Context, conversationID, key string) (string, bool, error)
	ListMemory(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error)
	ClearMemory(ctx context.Context, conversationID string) error
}

// InvocationStore records tool invocations.
type InvocationStore interface {
	CreateInvocation(ctx context.Context, inv *domain.ToolInvocation) error
	CompleteInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, result json.RawMessage, reason string, endedAt time.Time) error
	GetInvocation(ctx context.Context, invocationID string) (*domain.ToolInvocation, error)
	ListInvocations(ctx context.Context, conversationID string, limit int) ([]domain.ToolInvocation, error)
}

// GrantStore persists capability grants.
type GrantStore interface {
	SaveGrant(ctx context.Context, grant *domain.Grant) error
	RevokeGrant(ctx context.Context, grantID string, at time.Time) error
	ListGrants(ctx context.Context) ([]domain.Grant, error)
}

// Pinner is implemented by stores that evict conversations on their own.
// A pinned conversation is kept until every Pin is matched by an Unpin.
type Pinner interface {
	Pin(conversationID string)
	Unpin(conversationID string)
}

// Store is the full persistence interface.
type Store interface {
	ConversationStore
	MessageStore
	WorkingMemoryStore
	InvocationStore
	GrantStore
	Close() error
}
