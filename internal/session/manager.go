// Package session assembles bounded context windows from conversation history.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/repository"
)

// Policy decides what happens to history that does not fit the budget.
type Policy string

const (
	// PolicyDropOldest omits the oldest messages.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicySummarize replaces the omitted prefix with an extractive summary.
	PolicySummarize Policy = "summarize"
)

const (
	summaryMaxLines    = 8
	summaryLineMaxRune = 160
)

// ParsePolicy maps a config value to a Policy. Empty means drop_oldest.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyDropOldest:
		return PolicyDropOldest, nil
	case PolicySummarize:
		return PolicySummarize, nil
	}
	return "", fmt.Errorf("unknown window policy %q", s)
}

// Budget bounds a context window. Zero fields are unbounded.
type Budget struct {
	MaxMessages int
	MaxTokens   int
}

// Window is the slice of history handed to a model backend.
type Window struct {
	// Messages is a contiguous suffix of the history after the context floor.
	Messages []domain.Message
	// Summary condenses the omitted prefix under PolicySummarize. It is never stored.
	Summary string
	// Dropped counts history messages left out of Messages.
	Dropped int
	Tokens  int
}

// Store is the persistence the manager needs.
type Store interface {
	repository.ConversationStore
	repository.MessageStore
	repository.WorkingMemoryStore
}

// Manager appends to and reads from conversation histories.
type Manager struct {
	store   Store
	counter Counter
	policy  Policy
	now     func() time.Time
}

// NewManager creates a manager. A nil counter uses HeuristicCounter.
func NewManager(store Store, counter Counter, policy Policy) *Manager {
	if counter == nil {
		counter = HeuristicCounter
	}
	if policy == "" {
		policy = PolicyDropOldest
	}
	return &Manager{store: store, counter: counter, policy: policy, now: time.Now}
}

// Policy returns the configured window policy.
func (m *Manager) Policy() Policy { return m.policy }

// Open returns the conversation, creating it on first contact.
func (m *Manager) Open(ctx context.Context, conversationID, channel string) (*domain.Conversation, error) {
	conv, err := m.store.GetOrCreateConversation(ctx, conversationID, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to open conversation: %w", err)
	}
	return conv, nil
}

// Append stores msg at the end of the conversation and records activity.
// msg.Seq is assigned by the store.
func (m *Manager) Append(ctx context.Context, conversationID string, msg *domain.Message) error {
	msg.ConversationID = conversationID
	if err := m.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	if err := m.store.TouchConversation(ctx, conversationID, m.now()); err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// History returns every message after the context floor.
func (m *Manager) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m.store.MessagesSince(ctx, conversationID, conv.ContextFloor)
}

// ContextWindow returns the longest suffix of the visible history that fits b.
// The newest message is always included so the current request is never lost.
func (m *Manager) ContextWindow(ctx context.Context, conversationID string, b Budget) (Window, error) {
	history, err := m.History(ctx, conversationID)
	if err != nil {
		return Window{}, fmt.Errorf("failed to load history: %w", err)
	}
	return m.fit(history, b), nil
}

func (m *Manager) fit(history []domain.Message, b Budget) Window {
	if len(history) == 0 {
		return Window{}
	}

	start := len(history)
	tokens := 0
	for i := len(history) - 1; i >= 0; i-- {
		cost := m.cost(history[i])
		kept := len(history) - i
		if start < len(history) {
			if b.MaxMessages > 0 && kept > b.MaxMessages {
				break
			}
			if b.MaxTokens > 0 && tokens+cost > b.MaxTokens {
				break
			}
		}
		tokens += cost
		start = i
	}

	w := Window{
		Messages: append([]domain.Message(nil), history[start:]...),
		Dropped:  start,
		Tokens:   tokens,
	}
	if m.policy == PolicySummarize && start > 0 {
		w.Summary = summarize(history[:start])
	}
	return w
}

func (m *Manager) cost(msg domain.Message) int {
	return m.counter.Count(msg.Content) + messageOverhead
}

// Clear hides the current history from future windows and drops working memory.
func (m *Manager) Clear(ctx context.Context, conversationID string) error {
	last, err := m.store.ListMessages(ctx, conversationID, 1)
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}
	if len(last) > 0 {
		if err := m.store.SetContextFloor(ctx, conversationID, last[0].Seq); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to move context floor: %w", err)
		}
	}
	if err := m.store.ClearMemory(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to clear memory: %w", err)
	}
	return nil
}

// Recall reads one working memory key.
func (m *Manager) Recall(ctx context.Context, conversationID, key string) (string, bool, error) {
	return m.store.GetMemory(ctx, conversationID, key)
}

// Memory lists working memory in key order.
func (m *Manager) Memory(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error) {
	return m.store.ListMemory(ctx, conversationID)
}

// summarize keeps the first sentence of the most recent omitted messages.
func summarize(dropped []domain.Message) string {
	from := max(len(dropped)-summaryMaxLines, 0)
	var b strings.Builder
	if from > 0 {
		fmt.Fprintf(&b, "(%d earlier messages omitted)\n", from)
	}
	for _, msg := range dropped[from:] {
		line := firstSentence(msg.Content)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", msg.Role, line)
	}
	return strings.TrimRight(b.String(), "\n")
}

func firstSentence(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if i := strings.IndexAny(s, ".!?"); i >= 0 {
		s = s[:i+1]
	}
	runes := []rune(s)
	if len(runes) > summaryLineMaxRune {
		return string(runes[:summaryLineMaxRune]) + "..."
	}
	return s
}
