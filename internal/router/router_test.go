package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/policy"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/session"
	"github.com/xiaot623/aiva/internal/tools"
)

type harness struct {
	router   *Router
	backend  *model.Scripted
	store    *repository.MemoryStore
	sessions *session.Manager
	grants   *capability.Grants
	mailRuns *atomic.Int32
}

func newHarness(t *testing.T, maxIterations int, steps ...model.Step) *harness {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{store: store, mailRuns: &atomic.Int32{}}
	reg := tools.NewRegistry()
	reg.MustRegister(domain.ToolDescriptor{
		Name:        "echo",
		Description: "Repeat text back",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"Text to repeat"}},"required":["text"]}`),
	}, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return call.Args, nil
	}))
	reg.MustRegister(domain.ToolDescriptor{
		Name:         "gmail_list",
		Description:  "List recent emails",
		Capabilities: []string{"mailbox:read"},
	}, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		h.mailRuns.Add(1)
		return json.RawMessage(`{"messages":[{"subject":"hi"}]}`), nil
	}))
	reg.MustRegister(domain.ToolDescriptor{Name: "broken"}, tools.ExecutorFunc(func(ctx context.Context, call tools.Call) (json.RawMessage, error) {
		return nil, errors.New("disk on fire")
	}))
	reg.Seal()

	engine, err := policy.NewEngine(ctx, "")
	require.NoError(t, err)
	h.grants = capability.NewGrants(store)
	gate := capability.NewGate(reg, h.grants, engine, store, capability.Options{DefaultTimeout: time.Second})

	h.backend = model.NewScripted("mock", steps...)
	backends := model.NewRegistry()
	require.NoError(t, backends.Register(h.backend))

	h.sessions = session.NewManager(store, nil, session.PolicyDropOldest)
	_, err = h.sessions.Open(ctx, "c1", "console")
	require.NoError(t, err)

	h.router = New(h.sessions, gate, NewModelInterpreter(backends, ModelOptions{}), Config{
		SystemPrompt:      "You are AIVA.",
		MaxToolIterations: maxIterations,
		Budget:            session.Budget{MaxMessages: 20},
	}, nil)
	return h
}

func (h *harness) run(t *testing.T, text string) (*Turn, Result) {
	t.Helper()
	turn := NewTurn("c1", text)
	return turn, h.router.Run(context.Background(), turn)
}

func assistantCount(msgs []domain.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == domain.RoleAssistant {
			n++
		}
	}
	return n
}

func TestDirectAnswer(t *testing.T) {
	h := newHarness(t, 5, model.Step{Text: "Hello there."})

	turn, res := h.run(t, "hi")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "mock", res.Backend)
	assert.Equal(t, []string{StateIdle, StateInterpreting, StateDirectAnswer, StateResponding, StateIdle}, res.Trail)

	msgs := turn.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "Hello there.", msgs[1].Content)

	req := h.backend.Requests()[0]
	assert.Contains(t, req.SystemPrompt, "`echo`: Repeat text back")
	assert.Len(t, req.Tools, 3)
}

func TestToolThenAnswer(t *testing.T) {
	h := newHarness(t, 5,
		model.ToolStep("echo", map[string]any{"text": "ping"}),
		model.Step{Text: "The tool said ping."},
	)

	turn, res := h.run(t, "echo ping")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []string{
		StateIdle, StateInterpreting, StateToolPlanning, StateToolExecuting,
		StateInterpreting, StateDirectAnswer, StateResponding, StateIdle,
	}, res.Trail)

	msgs := turn.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, domain.RoleToolResult, msgs[1].Role)
	assert.Equal(t, `Tool 'echo' result: {"text":"ping"}`, msgs[1].Content)
	assert.NotEmpty(t, msgs[1].InvocationID)
	assert.Equal(t, "The tool said ping.", msgs[2].Content)

	// The second model call sees the tool result.
	second := h.backend.Requests()[1]
	assert.Equal(t, domain.RoleToolResult, second.Messages[len(second.Messages)-1].Role)
}

func TestTextToolCallIsExtracted(t *testing.T) {
	h := newHarness(t, 5,
		model.Step{Text: "Sure. {\"tool\": \"echo\", \"args\": {\"text\": \"x\"}}"},
		model.Step{Text: "done"},
	)
	_, res := h.run(t, "echo x")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, 1, res.Iterations)
}

func TestDeniedEmailNeverRuns(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("gmail_list", nil))

	turn, res := h.run(t, "check my email")
	assert.Equal(t, domain.TurnOutcomeDenied, res.Outcome)
	assert.Equal(t, domain.KindToolDenied, res.ErrorKind)
	assert.Equal(t, int32(0), h.mailRuns.Load())

	msgs := turn.Messages()
	require.Equal(t, 1, assistantCount(msgs))
	final := msgs[len(msgs)-1]
	assert.Contains(t, final.Content, "mailbox:read")

	invs, err := h.store.ListInvocations(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, invs, 1)
	assert.Equal(t, domain.InvocationStatusDenied, invs[0].Status)
}

func TestGrantedEmailRuns(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("gmail_list", nil), model.Step{Text: "You have one email."})
	_, err := h.grants.Issue(context.Background(), domain.GrantRequest{Scope: "mailbox:read", ConversationID: "c1"})
	require.NoError(t, err)

	_, res := h.run(t, "check my email")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, int32(1), h.mailRuns.Load())
}

func TestToolBudgetExhausted(t *testing.T) {
	h := newHarness(t, 2,
		model.ToolStep("echo", map[string]any{"text": "1"}),
		model.ToolStep("echo", map[string]any{"text": "2"}),
		model.ToolStep("echo", map[string]any{"text": "3"}),
	)

	turn, res := h.run(t, "loop forever")
	assert.Equal(t, domain.TurnOutcomeBudgetExceeded, res.Outcome)
	assert.Equal(t, domain.KindTurnBudgetExceeded, res.ErrorKind)
	assert.Equal(t, 2, res.Iterations)

	msgs := turn.Messages()
	assert.Equal(t, 1, assistantCount(msgs))
	assert.Contains(t, msgs[len(msgs)-1].Content, "2 tool steps")
}

func TestMissingArgumentFromMemory(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("echo", nil), model.Step{Text: "ok"})
	require.NoError(t, h.store.SetMemory(context.Background(), "c1", "text", "remembered"))

	turn, res := h.run(t, "echo it")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Contains(t, turn.Messages()[1].Content, "remembered")
}

func TestMissingArgumentAsksForClarification(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("echo", nil))

	turn, res := h.run(t, "echo")
	assert.Equal(t, domain.TurnOutcomeClarification, res.Outcome)
	assert.Equal(t, domain.KindAmbiguousIntent, res.ErrorKind)
	msgs := turn.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "To use echo I need the text. Could you provide it?", msgs[1].Content)
}

func TestUnknownToolListsAvailable(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("teleport", nil))

	turn, res := h.run(t, "beam me up")
	assert.Equal(t, domain.TurnOutcomeToolFailed, res.Outcome)
	assert.Equal(t, domain.KindToolNotFound, res.ErrorKind)
	final := turn.Messages()[1].Content
	assert.Contains(t, final, "teleport")
	assert.Contains(t, final, "broken, echo, gmail_list")
}

func TestToolFailureEndsTurn(t *testing.T) {
	h := newHarness(t, 5, model.ToolStep("broken", nil))

	turn, res := h.run(t, "break it")
	assert.Equal(t, domain.TurnOutcomeToolFailed, res.Outcome)
	assert.Equal(t, domain.KindToolExecutionFailed, res.ErrorKind)
	msgs := turn.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "Tool 'broken' failed: disk on fire", msgs[1].Content)
	assert.Equal(t, "The broken tool failed: disk on fire", msgs[2].Content)
}

func TestBackendFailureIsExplained(t *testing.T) {
	h := newHarness(t, 5, model.Step{Err: domain.E(domain.KindBackendAuthFailed, "mock.generate", "401", nil)})

	turn, res := h.run(t, "hi")
	assert.Equal(t, domain.TurnOutcomeBackendFailed, res.Outcome)
	assert.Equal(t, domain.KindBackendAuthFailed, res.ErrorKind)
	assert.Contains(t, turn.Messages()[1].Content, "API key")
}

func TestDeadlineStopsTurn(t *testing.T) {
	h := newHarness(t, 5, model.Step{Text: "late", Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	turn := NewTurn("c1", "slow please")
	res := h.router.Run(ctx, turn)

	assert.Equal(t, domain.TurnOutcomeBudgetExceeded, res.Outcome)
	msgs := turn.Messages()
	assert.Equal(t, 1, assistantCount(msgs))

	stored, err := h.sessions.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, domain.RoleAssistant, stored[1].Role)
}

func TestAbortConcludesOnce(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, 5, model.Step{Text: "too late", Wait: release})

	turn := NewTurn("c1", "hang")
	done := make(chan Result, 1)
	go func() { done <- h.router.Run(context.Background(), turn) }()

	require.Eventually(t, func() bool { return h.backend.Calls() == 1 }, time.Second, 5*time.Millisecond)
	aborted := h.router.Abort(context.Background(), turn)
	assert.Equal(t, domain.TurnOutcomeBudgetExceeded, aborted.Outcome)
	assert.True(t, turn.Concluded())

	close(release)
	res := <-done
	assert.Equal(t, domain.TurnOutcomeBudgetExceeded, res.Outcome)

	stored, err := h.sessions.History(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, assistantCount(stored))
	assert.Equal(t, domain.RoleAssistant, stored[len(stored)-1].Role)
}

func TestStreamingDeltas(t *testing.T) {
	h := newHarness(t, 5, model.Step{Text: "Streaming reply here."})

	var got strings.Builder
	turn := NewTurn("c1", "stream")
	turn.OnDelta = func(delta string) error {
		got.WriteString(delta)
		return nil
	}
	res := h.router.Run(context.Background(), turn)
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "Streaming reply here.", got.String())
}

func TestStreamedToolCallIsHeldBack(t *testing.T) {
	h := newHarness(t, 5,
		model.Step{Text: `{"tool": "echo", "args": {"text": "quiet"}}`},
		model.Step{Text: "Done."},
	)

	var got strings.Builder
	turn := NewTurn("c1", "echo quietly")
	turn.OnDelta = func(delta string) error {
		got.WriteString(delta)
		return nil
	}
	res := h.router.Run(context.Background(), turn)
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "Done.", got.String())
}

func TestToolCallAfterProseIsHeldBack(t *testing.T) {
	h := newHarness(t, 5,
		model.Step{Text: `Sure, let me check. {"tool":"echo","args":{"text":"secret-arg"}}`},
		model.Step{Text: "done"},
	)

	var got strings.Builder
	turn := NewTurn("c1", "echo something")
	turn.OnDelta = func(delta string) error {
		got.WriteString(delta)
		return nil
	}
	res := h.router.Run(context.Background(), turn)
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.NotContains(t, got.String(), "secret-arg")
	assert.NotContains(t, got.String(), "{")
	assert.Equal(t, "Sure, let me check. \n\ndone", got.String())
}

func TestInlineCodeAnswerIsStreamedWhole(t *testing.T) {
	h := newHarness(t, 5, model.Step{Text: "Run `ls -la` to see {hidden} files."})

	var got strings.Builder
	turn := NewTurn("c1", "how do I list files")
	turn.OnDelta = func(delta string) error {
		got.WriteString(delta)
		return nil
	}
	res := h.router.Run(context.Background(), turn)
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "Run `ls -la` to see {hidden} files.", got.String())
}

func TestRuleInterpreter(t *testing.T) {
	rules, err := CompileRules([]config.RuleConfig{
		{Pattern: `^echo (?P<text>.+)$`, Tool: "echo", Args: map[string]any{"text": "${text}"}},
	})
	require.NoError(t, err)
	ri := NewRuleInterpreter(rules, nil)
	ctx := context.Background()

	got, err := ri.Interpret(ctx, &Input{Utterance: "ECHO hello world"})
	require.NoError(t, err)
	require.Len(t, got.Calls, 1)
	assert.Equal(t, "echo", got.Calls[0].Name)
	assert.JSONEq(t, `{"text":"hello world"}`, string(got.Calls[0].Args))

	_, err = ri.Interpret(ctx, &Input{Utterance: "what is the weather"})
	assert.ErrorIs(t, err, domain.ErrAmbiguousIntent)
	assert.Equal(t, "I didn't understand that. Type /help to see what I can do.", Explain(err))

	got, err = ri.Interpret(ctx, &Input{
		Utterance: "echo hi",
		Iteration: 1,
		Window:    session.Window{Messages: []domain.Message{{Role: domain.RoleToolResult, Content: "Tool 'echo' result: hi"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Tool 'echo' result: hi", got.Answer)

	_, err = CompileRules([]config.RuleConfig{{Pattern: "(", Tool: "echo"}})
	assert.Error(t, err)
}

func TestRulesWithModelFallback(t *testing.T) {
	h := newHarness(t, 5, model.Step{Text: "model answer"})
	rules, err := CompileRules([]config.RuleConfig{{Pattern: `^say (.+)$`, Tool: "echo", Args: map[string]any{"text": "$1"}}})
	require.NoError(t, err)
	h.router.interpreter = NewRuleInterpreter(rules, h.router.interpreter)

	turn, res := h.run(t, "say cheese")
	assert.Equal(t, domain.TurnOutcomeAnswered, res.Outcome)
	assert.Equal(t, "mock", res.Backend)
	assert.Contains(t, turn.Messages()[1].Content, "cheese")
	assert.Equal(t, "model answer", turn.Messages()[2].Content)
}
