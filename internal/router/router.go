// Package router turns one user utterance into a direct answer or a bounded
// chain of tool invocations, always ending with one assistant message.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/capability"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/session"
)

const maxToolContentRunes = 4000

// Config bounds turns.
type Config struct {
	SystemPrompt      string
	MaxToolIterations int
	Budget            session.Budget
}

// Result summarizes a finished turn.
type Result struct {
	Outcome    domain.TurnOutcome
	ErrorKind  domain.ErrorKind
	Backend    string
	Iterations int
	Trail      []string
}

// Turn carries one request through the router. A turn is concluded exactly
// once, either by Run or by Abort.
type Turn struct {
	ConversationID string
	TurnID         string
	Text           string
	OnDelta        model.DeltaFunc

	mu        sync.Mutex
	messages  []domain.Message
	concluded bool
	result    Result
	streamed  bool
}

// NewTurn creates a turn with a fresh id.
func NewTurn(conversationID, text string) *Turn {
	return &Turn{ConversationID: conversationID, TurnID: "turn_" + uuid.New().String(), Text: text}
}

// stepDeltas returns the delta sink for one model step. Text of a later step
// is separated from what earlier steps streamed by a blank line.
func (t *Turn) stepDeltas() model.DeltaFunc {
	if t.OnDelta == nil {
		return nil
	}
	first := true
	return func(delta string) error {
		if delta == "" {
			return nil
		}
		if first {
			first = false
			t.mu.Lock()
			separate := t.streamed
			t.streamed = true
			t.mu.Unlock()
			if separate {
				if err := t.OnDelta("\n\n"); err != nil {
					return err
				}
			}
		}
		return t.OnDelta(delta)
	}
}

// Messages returns the messages appended during the turn, in order.
func (t *Turn) Messages() []domain.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Message(nil), t.messages...)
}

// Result returns the turn result once concluded.
func (t *Turn) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Concluded reports whether the final message was produced.
func (t *Turn) Concluded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.concluded
}

// Router runs turns.
type Router struct {
	sessions    *session.Manager
	gate        *capability.Gate
	interpreter Interpreter
	cfg         Config
	log         *zap.Logger
}

// New creates a router.
func New(sessions *session.Manager, gate *capability.Gate, interpreter Interpreter, cfg Config, log *zap.Logger) *Router {
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{sessions: sessions, gate: gate, interpreter: interpreter, cfg: cfg, log: log}
}

// stop ends a turn with an explanation.
type stop struct {
	content string
	kind    domain.ErrorKind
	outcome domain.TurnOutcome
}

func stopFor(err error) *stop {
	kind := domain.KindOf(err)
	return &stop{content: Explain(err), kind: kind, outcome: outcomeFor(kind)}
}

func budgetStop(content string) *stop {
	return &stop{content: content, kind: domain.KindTurnBudgetExceeded, outcome: domain.TurnOutcomeBudgetExceeded}
}

// Run executes the turn. Deadlines come from ctx; the final assistant message
// is stored even when ctx is already done.
func (r *Router) Run(ctx context.Context, t *Turn) Result {
	log := r.log.With(zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.TurnID))
	m := newMachine(log)

	user := &domain.Message{TurnID: t.TurnID, Role: domain.RoleUser, Content: t.Text}
	if err := r.append(ctx, t, user); err != nil {
		log.Error("failed to store user message", zap.Error(err))
		return r.conclude(ctx, t, m, "", &stop{content: "Generation failed", kind: domain.KindInternal, outcome: domain.TurnOutcomeFault})
	}
	m.fire(ctx, EventInterpret)

	iterations := 0
	backend := ""
	for {
		if ctx.Err() != nil {
			return r.conclude(ctx, t, m, backend, r.deadlineStop(iterations))
		}
		in, err := r.input(ctx, t, iterations)
		if err != nil {
			if ctx.Err() != nil {
				return r.conclude(ctx, t, m, backend, r.deadlineStop(iterations))
			}
			log.Error("failed to build context window", zap.Error(err))
			return r.conclude(ctx, t, m, backend, &stop{content: "Generation failed", kind: domain.KindInternal, outcome: domain.TurnOutcomeFault})
		}

		interp, err := r.interpreter.Interpret(ctx, in)
		if err != nil {
			if ctx.Err() != nil {
				return r.conclude(ctx, t, m, backend, r.deadlineStop(iterations))
			}
			log.Warn("interpretation failed", zap.String("kind", string(domain.KindOf(err))), zap.Error(err))
			return r.conclude(ctx, t, m, backend, stopFor(err))
		}
		if interp.Backend != "" {
			backend = interp.Backend
		}

		if len(interp.Calls) == 0 {
			m.fire(ctx, EventAnswer)
			answer := interp.Answer
			if answer == "" {
				answer = "The AI backend returned an empty response."
			}
			return r.conclude(ctx, t, m, backend, &stop{content: answer, outcome: domain.TurnOutcomeAnswered})
		}

		m.fire(ctx, EventPlan)
		if iterations+len(interp.Calls) > r.cfg.MaxToolIterations {
			log.Warn("tool iteration budget exhausted", zap.Int("iterations", iterations), zap.Int("requested", len(interp.Calls)))
			return r.conclude(ctx, t, m, backend, budgetStop(fmt.Sprintf(
				"I stopped after %d tool steps without reaching an answer. Try a more specific request.", iterations)))
		}
		planned := make([]Call, 0, len(interp.Calls))
		for _, call := range interp.Calls {
			ready, s := r.plan(ctx, t.ConversationID, call)
			if s != nil {
				return r.conclude(ctx, t, m, backend, s)
			}
			planned = append(planned, ready)
		}

		m.fire(ctx, EventExecute)
		for _, call := range planned {
			outcome := r.gate.Invoke(ctx, &domain.ToolInvocation{
				ConversationID: t.ConversationID,
				TurnID:         t.TurnID,
				ToolName:       call.Name,
				Args:           call.Args,
			})
			iterations++
			msg := toolMessage(t.TurnID, outcome)
			if err := r.append(context.WithoutCancel(ctx), t, msg); err != nil {
				log.Error("failed to store tool message", zap.Error(err))
			}
			if outcome.Succeeded() {
				continue
			}
			if ctx.Err() != nil {
				return r.conclude(ctx, t, m, backend, r.deadlineStop(iterations))
			}
			return r.conclude(ctx, t, m, backend, failureStop(call.Name, outcome))
		}
		m.fire(ctx, EventObserve)
	}
}

// Abort concludes a turn that overran its deadline. It is a no-op when the
// turn already produced its final message.
func (r *Router) Abort(ctx context.Context, t *Turn) Result {
	return r.conclude(ctx, t, nil, "", budgetStop("This request took too long and was stopped."))
}

// Fault concludes a turn whose handling crashed.
func (r *Router) Fault(ctx context.Context, t *Turn) Result {
	return r.conclude(ctx, t, nil, "", &stop{content: "Generation failed", kind: domain.KindInternal, outcome: domain.TurnOutcomeFault})
}

func (r *Router) deadlineStop(iterations int) *stop {
	if iterations > 0 {
		return budgetStop(fmt.Sprintf("This request took too long and was stopped after %d tool steps.", iterations))
	}
	return budgetStop("This request took too long and was stopped.")
}

func (r *Router) input(ctx context.Context, t *Turn, iterations int) (*Input, error) {
	window, err := r.sessions.ContextWindow(ctx, t.ConversationID, r.cfg.Budget)
	if err != nil {
		return nil, err
	}
	memory, err := r.sessions.Memory(ctx, t.ConversationID)
	if err != nil {
		return nil, err
	}
	descriptors := r.gate.Tools().Descriptors()
	return &Input{
		ConversationID: t.ConversationID,
		Utterance:      t.Text,
		SystemPrompt:   BuildSystemPrompt(r.cfg.SystemPrompt, descriptors, memory),
		Window:         window,
		Tools:          descriptors,
		Iteration:      iterations,
		OnDelta:        t.stepDeltas(),
	}, nil
}

// plan resolves the tool and fills missing required arguments from working
// memory. It returns a stop when the call cannot proceed.
func (r *Router) plan(ctx context.Context, conversationID string, call Call) (Call, *stop) {
	registry := r.gate.Tools()
	if _, _, ok := registry.Lookup(call.Name); !ok {
		names := make([]string, 0)
		for _, d := range registry.Descriptors() {
			names = append(names, d.Name)
		}
		return call, &stop{
			content: fmt.Sprintf("I tried to use a tool called %q, but no such tool exists. Available tools: %s.", call.Name, strings.Join(names, ", ")),
			kind:    domain.KindToolNotFound,
			outcome: domain.TurnOutcomeToolFailed,
		}
	}

	args := map[string]any{}
	if trimmed := bytes.TrimSpace(call.Args); len(trimmed) > 0 && string(trimmed) != "null" {
		if err := json.Unmarshal(trimmed, &args); err != nil || args == nil {
			return call, &stop{
				content: fmt.Sprintf("The AI backend asked for %s with arguments I could not read.", call.Name),
				kind:    domain.KindBackendMalformedResponse,
				outcome: domain.TurnOutcomeBackendFailed,
			}
		}
	}

	var missing []string
	for _, name := range registry.Required(call.Name) {
		if present(args[name]) {
			continue
		}
		if v, found, err := r.sessions.Recall(ctx, conversationID, name); err == nil && found && v != "" {
			args[name] = v
			continue
		}
		missing = append(missing, name)
	}
	if len(missing) > 0 {
		return call, &stop{
			content: fmt.Sprintf("To use %s I need the %s. Could you provide %s?", call.Name, strings.Join(missing, " and "), pronoun(len(missing))),
			kind:    domain.KindAmbiguousIntent,
			outcome: domain.TurnOutcomeClarification,
		}
	}

	data, err := json.Marshal(args)
	if err != nil {
		return call, stopFor(domain.E(domain.KindInternal, "router.plan", "failed to encode arguments", err))
	}
	call.Args = data
	return call, nil
}

func present(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return s != ""
	}
	return true
}

func pronoun(n int) string {
	if n == 1 {
		return "it"
	}
	return "them"
}

func failureStop(tool string, out capability.Outcome) *stop {
	kind := domain.KindOf(out.Err)
	var content string
	switch out.Invocation.Status {
	case domain.InvocationStatusDenied:
		content = out.Decision.Explain(tool)
		if content == "" {
			content = Explain(out.Err)
		}
	case domain.InvocationStatusTimeout:
		content = fmt.Sprintf("The %s tool did not finish in time.", tool)
	default:
		content = fmt.Sprintf("The %s tool failed: %s", tool, out.Invocation.FailureReason)
	}
	return &stop{content: content, kind: kind, outcome: outcomeFor(kind)}
}

func toolMessage(turnID string, out capability.Outcome) *domain.Message {
	inv := out.Invocation
	msg := &domain.Message{TurnID: turnID, Role: domain.RoleToolResult, InvocationID: inv.InvocationID}
	if out.Succeeded() {
		msg.Payload = inv.Result
		msg.Content = fmt.Sprintf("Tool '%s' result: %s", inv.ToolName, clip(compactJSON(inv.Result)))
		return msg
	}
	msg.Content = fmt.Sprintf("Tool '%s' %s: %s", inv.ToolName, strings.ToLower(string(inv.Status)), inv.FailureReason)
	return msg
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxToolContentRunes {
		return s
	}
	return string([]rune(s)[:maxToolContentRunes]) + "..."
}

// append stores msg unless the turn is already concluded.
func (r *Router) append(ctx context.Context, t *Turn, msg *domain.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.concluded {
		return nil
	}
	if err := r.sessions.Append(ctx, t.ConversationID, msg); err != nil {
		return err
	}
	t.messages = append(t.messages, *msg)
	return nil
}

// conclude appends the single final assistant message.
func (r *Router) conclude(ctx context.Context, t *Turn, m *machine, backend string, s *stop) Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.concluded {
		return t.result
	}
	t.concluded = true

	if m != nil {
		m.fire(ctx, EventRespond)
	}
	final := &domain.Message{TurnID: t.TurnID, Role: domain.RoleAssistant, Content: s.content}
	if err := r.sessions.Append(context.WithoutCancel(ctx), t.ConversationID, final); err != nil {
		r.log.Error("failed to store final message",
			zap.String("conversation_id", t.ConversationID), zap.String("turn_id", t.TurnID), zap.Error(err))
	}
	t.messages = append(t.messages, *final)

	iterations := 0
	for _, msg := range t.messages {
		if msg.Role == domain.RoleToolResult {
			iterations++
		}
	}
	t.result = Result{Outcome: s.outcome, ErrorKind: s.kind, Backend: backend, Iterations: iterations}
	if m != nil {
		m.fire(ctx, EventFinish)
		t.result.Trail = m.Trail()
	}
	return t.result
}
