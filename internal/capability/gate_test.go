package capability

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/policy"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/tools"
)

type fixture struct {
	gate   *Gate
	grants *Grants
	store  *repository.MemoryStore
	calls  map[string]*atomic.Int32
}

func newFixture(t *testing.T, blocked ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore(0)
	_, err := store.GetOrCreateConversation(ctx, "c1", "console")
	require.NoError(t, err)

	f := &fixture{store: store, calls: map[string]*atomic.Int32{}}
	reg := tools.NewRegistry()
	add := func(desc domain.ToolDescriptor, fn tools.ExecutorFunc) {
		counter := &atomic.Int32{}
		f.calls[desc.Name] = counter
		reg.MustRegister(desc, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
			counter.Add(1)
			return fn(ctx, call)
		}))
	}

	add(domain.ToolDescriptor{
		Name:         "gmail_list",
		Capabilities: []string{"mailbox:read"},
		InputSchema:  json.RawMessage(`{"type":"object","properties":{"max_results":{"type":"integer"}}}`),
	}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"messages":[]}`), nil
	})
	add(domain.ToolDescriptor{
		Name:        "echo",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return call.Args, nil
	})
	add(domain.ToolDescriptor{Name: "broken"}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return nil, errors.New("disk on fire")
	})
	add(domain.ToolDescriptor{Name: "panics"}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		panic("boom")
	})
	add(domain.ToolDescriptor{Name: "stubborn", TimeoutMs: 50}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		// Ignores its context on purpose.
		time.Sleep(2 * time.Second)
		return json.RawMessage(`{}`), nil
	})
	add(domain.ToolDescriptor{
		Name:         "typed",
		OutputSchema: json.RawMessage(`{"type":"object","required":["value"]}`),
	}, func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return json.RawMessage(`{"other":1}`), nil
	})
	reg.Seal()

	engine, err := policy.NewEngine(ctx, "")
	require.NoError(t, err)
	f.grants = NewGrants(store)
	f.gate = NewGate(reg, f.grants, engine, store, Options{BlockedTools: blocked, DefaultTimeout: time.Second})
	return f
}

func (f *fixture) invoke(t *testing.T, tool string, args string) Outcome {
	t.Helper()
	return f.gate.Invoke(context.Background(), &domain.ToolInvocation{
		ConversationID: "c1",
		TurnID:         "t1",
		ToolName:       tool,
		Args:           json.RawMessage(args),
	})
}

func TestDeniedWithoutGrantNeverExecutes(t *testing.T) {
	f := newFixture(t)

	d, err := f.gate.Authorize(context.Background(), "c1", "gmail_list")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"mailbox:read"}, d.Missing)

	out := f.invoke(t, "gmail_list", `{}`)
	assert.Equal(t, domain.InvocationStatusDenied, out.Invocation.Status)
	assert.ErrorIs(t, out.Err, domain.ErrToolDenied)
	assert.Contains(t, out.Err.Error(), "mailbox:read")
	assert.Equal(t, int32(0), f.calls["gmail_list"].Load())

	rec, err := f.store.GetInvocation(context.Background(), out.Invocation.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationStatusDenied, rec.Status)
}

func TestGrantedInvocationSucceeds(t *testing.T) {
	f := newFixture(t)
	_, err := f.grants.Issue(context.Background(), domain.GrantRequest{Scope: "mailbox:*", ConversationID: "c1"})
	require.NoError(t, err)

	out := f.invoke(t, "gmail_list", `{"max_results":3}`)
	require.True(t, out.Succeeded(), "err: %v", out.Err)
	assert.JSONEq(t, `{"messages":[]}`, string(out.Invocation.Result))
	assert.Equal(t, int32(1), f.calls["gmail_list"].Load())

	rec, err := f.store.GetInvocation(context.Background(), out.Invocation.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationStatusSucceeded, rec.Status)
	assert.NotNil(t, rec.EndedAt)
}

func TestGrantScopedToOtherConversation(t *testing.T) {
	f := newFixture(t)
	_, err := f.grants.Issue(context.Background(), domain.GrantRequest{Scope: "mailbox:read", ConversationID: "c2"})
	require.NoError(t, err)

	out := f.invoke(t, "gmail_list", `{}`)
	assert.Equal(t, domain.InvocationStatusDenied, out.Invocation.Status)
	assert.Equal(t, int32(0), f.calls["gmail_list"].Load())
}

func TestRevokedGrantDeniesNextInvocation(t *testing.T) {
	f := newFixture(t)
	g, err := f.grants.Issue(context.Background(), domain.GrantRequest{Scope: "mailbox:read"})
	require.NoError(t, err)
	require.True(t, f.invoke(t, "gmail_list", `{}`).Succeeded())

	require.NoError(t, f.grants.Revoke(context.Background(), g.GrantID))
	out := f.invoke(t, "gmail_list", `{}`)
	assert.Equal(t, domain.InvocationStatusDenied, out.Invocation.Status)
	assert.Equal(t, int32(1), f.calls["gmail_list"].Load())
}

func TestExpiredGrantDenies(t *testing.T) {
	f := newFixture(t)
	_, err := f.grants.Issue(context.Background(), domain.GrantRequest{Scope: "mailbox:read", TTLSeconds: 60})
	require.NoError(t, err)
	f.gate.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	out := f.invoke(t, "gmail_list", `{}`)
	assert.Equal(t, domain.InvocationStatusDenied, out.Invocation.Status)
	assert.Equal(t, int32(0), f.calls["gmail_list"].Load())
}

func TestBlockedToolDenies(t *testing.T) {
	f := newFixture(t, "echo")
	out := f.invoke(t, "echo", `{"text":"hi"}`)
	assert.Equal(t, domain.InvocationStatusDenied, out.Invocation.Status)
	assert.Equal(t, "blocked", out.Decision.Reason)
	assert.Equal(t, int32(0), f.calls["echo"].Load())
}

func TestInvocationFailures(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		args   string
		status domain.InvocationStatus
		kind   domain.ErrorKind
	}{
		{"missing argument", "echo", `{}`, domain.InvocationStatusFailed, domain.KindToolExecutionFailed},
		{"wrong argument type", "echo", `{"text":5}`, domain.InvocationStatusFailed, domain.KindToolExecutionFailed},
		{"implementation error", "broken", `{}`, domain.InvocationStatusFailed, domain.KindToolExecutionFailed},
		{"panic", "panics", `{}`, domain.InvocationStatusFailed, domain.KindToolExecutionFailed},
		{"bad result", "typed", `{}`, domain.InvocationStatusFailed, domain.KindToolExecutionFailed},
		{"unknown tool", "nope", `{}`, domain.InvocationStatusFailed, domain.KindToolNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			out := f.invoke(t, tt.tool, tt.args)
			assert.Equal(t, tt.status, out.Invocation.Status)
			assert.Equal(t, tt.kind, domain.KindOf(out.Err))
			assert.NotEmpty(t, out.Invocation.FailureReason)
		})
	}
}

func TestStubbornToolTimesOut(t *testing.T) {
	f := newFixture(t)
	start := time.Now()
	out := f.invoke(t, "stubborn", `{}`)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.InvocationStatusTimeout, out.Invocation.Status)
	assert.ErrorIs(t, out.Err, domain.ErrToolTimeout)
}

func TestCancelledTurnEndsInvocation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	out := f.gate.Invoke(ctx, &domain.ToolInvocation{ConversationID: "c1", ToolName: "stubborn", Args: json.RawMessage(`{}`)})
	assert.Equal(t, domain.InvocationStatusTimeout, out.Invocation.Status)

	rec, err := f.store.GetInvocation(context.Background(), out.Invocation.InvocationID)
	require.NoError(t, err)
	assert.Equal(t, domain.InvocationStatusTimeout, rec.Status, "record completes despite cancellation")
}

func TestGrantsLifecycle(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(0)
	g := NewGrants(store)

	_, err := g.Issue(ctx, domain.GrantRequest{Scope: "not a scope"})
	assert.ErrorIs(t, err, ErrInvalidScope)
	assert.ErrorIs(t, g.Revoke(ctx, "missing"), ErrGrantNotFound)

	require.NoError(t, g.Seed(ctx, []config.GrantConfig{{Scope: "fs:read"}, {Scope: "fs:read"}, {Scope: "shell:exec", ConversationID: "c1"}}))
	assert.Len(t, g.List(), 2, "seeding is idempotent")
	assert.Equal(t, []string{"fs:read"}, g.Scopes("c2", time.Now()))
	assert.Equal(t, []string{"fs:read", "shell:exec"}, g.Scopes("c1", time.Now()))

	reloaded := NewGrants(store)
	require.NoError(t, reloaded.Load(ctx))
	assert.Len(t, reloaded.List(), 2)
}

func TestRevokedSeedStaysRevoked(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore(0)
	seeds := []config.GrantConfig{{Scope: "fs:read"}}

	g := NewGrants(store)
	require.NoError(t, g.Load(ctx))
	require.NoError(t, g.Seed(ctx, seeds))
	require.NoError(t, g.Revoke(ctx, "config:fs:read"))

	restarted := NewGrants(store)
	require.NoError(t, restarted.Load(ctx))
	require.NoError(t, restarted.Seed(ctx, seeds))
	assert.Empty(t, restarted.Scopes("c1", time.Now()))

	list := restarted.List()
	require.Len(t, list, 1)
	assert.NotNil(t, list[0].RevokedAt)
}

func TestValidScope(t *testing.T) {
	for _, s := range []string{"fs:read", "mailbox:*", "messaging:send"} {
		assert.True(t, ValidScope(s), s)
	}
	for _, s := range []string{"", "*", "fs", "fs:", "FS:read", ":read"} {
		assert.False(t, ValidScope(s), s)
	}
}
