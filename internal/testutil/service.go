package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/policy"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/router"
	"github.com/xiaot623/aiva/internal/service"
	"github.com/xiaot623/aiva/internal/session"
	"github.com/xiaot623/aiva/internal/tools"
)

// Service is a fully wired coordinator over a SQLite store and a scripted
// backend named "mock". It registers an "echo" tool and a gated
// "gmail_list" tool needing mailbox:read.
type Service struct {
	Service  *service.Service
	Store    repository.Store
	Backend  *model.Scripted
	Backends *model.Registry
	Grants   *capability.Grants
	Sessions *session.Manager
}

// NewTestService builds the fixture. steps are queued on the mock backend.
func NewTestService(t *testing.T, steps ...model.Step) *Service {
	t.Helper()
	ctx := context.Background()
	store := NewTestSQLiteStore(t)

	reg := tools.NewRegistry()
	reg.MustRegister(domain.ToolDescriptor{
		Name:        "echo",
		Description: "Repeat text back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return call.Args, nil
	}))
	reg.MustRegister(domain.ToolDescriptor{
		Name:         "gmail_list",
		Description:  "List recent emails",
		Capabilities: []string{"mailbox:read"},
	}, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"messages":[]}`), nil
	}))
	reg.Seal()

	engine, err := policy.NewEngine(ctx, "")
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	grants := capability.NewGrants(store)
	gate := capability.NewGate(reg, grants, engine, store, capability.Options{DefaultTimeout: time.Second})

	backend := model.NewScripted("mock", steps...)
	backends := model.NewRegistry()
	for _, a := range []model.Adapter{backend, model.NewScripted("spare")} {
		if err := backends.Register(a); err != nil {
			t.Fatalf("failed to register backend: %v", err)
		}
	}

	budget := session.Budget{MaxMessages: 20}
	sessions := session.NewManager(store, nil, session.PolicyDropOldest)
	interp := router.NewModelInterpreter(backends, router.ModelOptions{RetryBackoff: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond})
	rt := router.New(sessions, gate, interp, router.Config{
		SystemPrompt:      "You are AIVA.",
		MaxToolIterations: 3,
		Budget:            budget,
	}, nil)

	svc := service.New(service.Deps{
		Store:    store,
		Sessions: sessions,
		Router:   rt,
		Backends: backends,
		Tools:    reg,
		Grants:   grants,
		Budget:   budget,
	}, service.Options{TurnTimeout: 2 * time.Second, MaxConcurrentTurns: 4})

	return &Service{
		Service:  svc,
		Store:    store,
		Backend:  backend,
		Backends: backends,
		Grants:   grants,
		Sessions: sessions,
	}
}

// Submit runs one turn and fails the test on a submission error.
func (s *Service) Submit(t *testing.T, conversationID, text string) *domain.TurnResult {
	t.Helper()
	res, err := s.Service.Submit(context.Background(), domain.InboundEvent{
		ConversationID: conversationID,
		Channel:        "test",
		Text:           text,
	})
	if err != nil {
		t.Fatalf("submit %q: %v", strings.TrimSpace(text), err)
	}
	return res
}
