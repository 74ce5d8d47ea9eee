package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"

	"github.com/xiaot623/aiva/internal/domain"
)

type conversationState struct {
	conv        domain.Conversation
	messages    []domain.Message
	memory      map[string]domain.MemoryEntry
	invocations []string
}

// MemoryStore implements Store in process memory. Conversations live in an
// LRU bounded by maxConversations (zero means unbounded). Pinned
// conversations are never evicted for capacity; idle expiry is left to the
// coordinator's janitor.
type MemoryStore struct {
	mu          sync.Mutex
	convs       *simplelru.LRU[string, *conversationState]
	capacity    int
	pinned      map[string]int
	invocations map[string]*domain.ToolInvocation
	grants      map[string]*domain.Grant
	grantOrder  []string
}

var (
	_ Store  = (*MemoryStore)(nil)
	_ Pinner = (*MemoryStore)(nil)
)

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(maxConversations int) *MemoryStore {
	s := &MemoryStore{
		capacity:    max(maxConversations, 0),
		pinned:      make(map[string]int),
		invocations: make(map[string]*domain.ToolInvocation),
		grants:      make(map[string]*domain.Grant),
	}
	// The LRU itself is unbounded; capacity is enforced by trim so pinned
	// entries can be skipped.
	convs, err := simplelru.NewLRU[string, *conversationState](math.MaxInt, s.onEvict)
	if err != nil {
		panic(err)
	}
	s.convs = convs
	return s
}

// onEvict drops invocations that belonged to a removed conversation. The LRU
// is only touched with s.mu held, so this runs under the lock too.
func (s *MemoryStore) onEvict(_ string, state *conversationState) {
	for _, id := range state.invocations {
		delete(s.invocations, id)
	}
}

// Pin protects a conversation from capacity eviction until a matching Unpin.
// The conversation does not need to exist yet.
func (s *MemoryStore) Pin(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[conversationID]++
}

// Unpin releases one Pin and trims the store back to capacity.
func (s *MemoryStore) Unpin(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinned[conversationID] <= 1 {
		delete(s.pinned, conversationID)
	} else {
		s.pinned[conversationID]--
	}
	s.trim()
}

// trim evicts least recently used unpinned conversations while over
// capacity. Requires s.mu.
func (s *MemoryStore) trim() {
	if s.capacity == 0 {
		return
	}
	excess := s.convs.Len() - s.capacity
	if excess <= 0 {
		return
	}
	for _, id := range s.convs.Keys() {
		if excess == 0 {
			return
		}
		if s.pinned[id] > 0 {
			continue
		}
		s.convs.Remove(id)
		excess--
	}
}

func (s *MemoryStore) state(conversationID string) (*conversationState, error) {
	state, ok := s.convs.Peek(conversationID)
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return state, nil
}

func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, conversationID, channel string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.convs.Get(conversationID); ok {
		conv := state.conv
		return &conv, nil
	}
	now := time.Now().UTC()
	state := &conversationState{
		conv:   domain.Conversation{ConversationID: conversationID, Channel: channel, CreatedAt: now, LastActiveAt: now},
		memory: make(map[string]domain.MemoryEntry),
	}
	s.convs.Add(conversationID, state)
	s.trim()
	conv := state.conv
	return &conv, nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	conv := state.conv
	return &conv, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	s.mu.Lock()
	var out []domain.Conversation
	for _, state := range s.convs.Values() {
		out = append(out, state.conv)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastActiveAt.After(out[j].LastActiveAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TouchConversation records activity and marks the conversation recently used.
func (s *MemoryStore) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return err
	}
	state.conv.LastActiveAt = at.UTC()
	s.convs.Get(conversationID)
	return nil
}

func (s *MemoryStore) SetContextFloor(ctx context.Context, conversationID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return err
	}
	state.conv.ContextFloor = max(state.conv.ContextFloor, seq)
	return nil
}

func (s *MemoryStore) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.convs.Remove(conversationID) {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	var idle []domain.Conversation
	for _, state := range s.convs.Values() {
		if state.conv.LastActiveAt.Before(before) {
			idle = append(idle, state.conv)
		}
	}
	s.mu.Unlock()
	sort.Slice(idle, func(i, j int) bool { return idle[i].LastActiveAt.Before(idle[j].LastActiveAt) })
	if limit > 0 && len(idle) > limit {
		idle = idle[:limit]
	}
	ids := make([]string, 0, len(idle))
	for _, c := range idle {
		ids = append(ids, c.ConversationID)
	}
	return ids, nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(msg.ConversationID)
	if err != nil {
		return err
	}
	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	msg.Seq = int64(len(state.messages)) + 1
	stored := *msg
	stored.Payload = slices.Clone(msg.Payload)
	state.messages = append(state.messages, stored)
	return nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil, nil
	}
	msgs := state.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return slices.Clone(msgs), nil
}

func (s *MemoryStore) MessagesSince(ctx context.Context, conversationID string, afterSeq int64) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil, nil
	}
	// Seq n lives at index n-1.
	start := int(max(afterSeq, 0))
	if start >= len(state.messages) {
		return nil, nil
	}
	return slices.Clone(state.messages[start:]), nil
}

func (s *MemoryStore) SetMemory(ctx context.Context, conversationID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return err
	}
	state.memory[key] = domain.MemoryEntry{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) GetMemory(ctx context.Context, conversationID, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return "", false, nil
	}
	e, ok := state.memory[key]
	return e.Value, ok, nil
}

func (s *MemoryStore) ListMemory(ctx context.Context, conversationID string) ([]domain.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil, nil
	}
	out := make([]domain.MemoryEntry, 0, len(state.memory))
	for _, e := range state.memory {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) ClearMemory(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil
	}
	state.memory = make(map[string]domain.MemoryEntry)
	return nil
}

func (s *MemoryStore) CreateInvocation(ctx context.Context, inv *domain.ToolInvocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(inv.ConversationID)
	if err != nil {
		return err
	}
	if _, exists := s.invocations[inv.InvocationID]; exists {
		return fmt.Errorf("invocation %s already exists", inv.InvocationID)
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = time.Now().UTC()
	}
	stored := *inv
	s.invocations[inv.InvocationID] = &stored
	state.invocations = append(state.invocations, inv.InvocationID)
	return nil
}

func (s *MemoryStore) CompleteInvocation(ctx context.Context, invocationID string, status domain.InvocationStatus, result json.RawMessage, reason string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return ErrNotFound
	}
	ended := endedAt.UTC()
	inv.Status = status
	inv.Result = slices.Clone(result)
	inv.FailureReason = reason
	inv.EndedAt = &ended
	return nil
}

func (s *MemoryStore) GetInvocation(ctx context.Context, invocationID string) (*domain.ToolInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invocations[invocationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *inv
	return &out, nil
}

func (s *MemoryStore) ListInvocations(ctx context.Context, conversationID string, limit int) ([]domain.ToolInvocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.state(conversationID)
	if err != nil {
		return nil, nil
	}
	var out []domain.ToolInvocation
	for _, id := range state.invocations {
		if inv, ok := s.invocations[id]; ok {
			out = append(out, *inv)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) SaveGrant(ctx context.Context, grant *domain.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.grants[grant.GrantID]; !exists {
		s.grantOrder = append(s.grantOrder, grant.GrantID)
	}
	stored := *grant
	s.grants[grant.GrantID] = &stored
	return nil
}

func (s *MemoryStore) RevokeGrant(ctx context.Context, grantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[grantID]
	if !ok {
		return ErrNotFound
	}
	revoked := at.UTC()
	g.RevokedAt = &revoked
	return nil
}

func (s *MemoryStore) ListGrants(ctx context.Context) ([]domain.Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Grant, 0, len(s.grantOrder))
	for _, id := range s.grantOrder {
		out = append(out, *s.grants[id])
	}
	return out, nil
}

// Close releases nothing; the store lives as long as the process.
func (s *MemoryStore) Close() error { return nil }
