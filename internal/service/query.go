package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/session"
)

// ErrNotFound is returned by queries for unknown records.
var ErrNotFound = errors.New("not found")

// BackendInfo describes a registered model backend.
type BackendInfo struct {
	Name         string             `json:"name"`
	Active       bool               `json:"active"`
	Capabilities model.Capabilities `json:"capabilities"`
}

func (s *Service) ListConversations(ctx context.Context, limit int) ([]domain.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	return convs, nil
}

// Messages returns stored messages. afterSeq > 0 pages forward from a sequence
// number; otherwise the latest limit messages are returned.
func (s *Service) Messages(ctx context.Context, conversationID string, limit int, afterSeq int64) ([]domain.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if afterSeq > 0 {
		msgs, err := s.store.MessagesSince(ctx, conversationID, afterSeq)
		if err != nil {
			return nil, fmt.Errorf("failed to get messages: %w", err)
		}
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
		return msgs, nil
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return msgs, nil
}

// ContextWindow returns what the next turn of the conversation would send.
func (s *Service) ContextWindow(ctx context.Context, conversationID string) (session.Window, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return session.Window{}, ErrNotFound
		}
		return session.Window{}, fmt.Errorf("failed to get conversation: %w", err)
	}
	return s.sessions.ContextWindow(ctx, conversationID, s.budget)
}

func (s *Service) Invocations(ctx context.Context, conversationID string, limit int) ([]domain.ToolInvocation, error) {
	invs, err := s.store.ListInvocations(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invocations: %w", err)
	}
	return invs, nil
}

func (s *Service) Tools() []domain.ToolDescriptor {
	return s.tools.Descriptors()
}

func (s *Service) Tool(name string) (domain.ToolDescriptor, error) {
	desc, _, ok := s.tools.Lookup(name)
	if !ok {
		return domain.ToolDescriptor{}, ErrNotFound
	}
	return desc, nil
}

func (s *Service) ListGrants() []domain.Grant {
	return s.grants.List()
}

func (s *Service) IssueGrant(ctx context.Context, req domain.GrantRequest) (*domain.Grant, error) {
	return s.grants.Issue(ctx, req)
}

func (s *Service) RevokeGrant(ctx context.Context, grantID string) error {
	return s.grants.Revoke(ctx, grantID)
}

func (s *Service) Backends() []BackendInfo {
	current := s.backends.CurrentName()
	names := s.backends.Names()
	out := make([]BackendInfo, 0, len(names))
	for _, name := range names {
		a, ok := s.backends.Get(name)
		if !ok {
			continue
		}
		out = append(out, BackendInfo{Name: name, Active: name == current, Capabilities: a.Capabilities()})
	}
	return out
}

// ActivateBackend switches the backend used by subsequent turns.
func (s *Service) ActivateBackend(name string) error {
	if err := s.backends.Switch(name); err != nil {
		if errors.Is(err, model.ErrUnknownBackend) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
