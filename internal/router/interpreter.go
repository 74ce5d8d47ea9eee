package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/adapter/model"
	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/session"
)

// Call is a tool request produced by an interpreter.
type Call struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Interpretation is either a direct answer or a list of tool calls.
type Interpretation struct {
	Answer  string
	Calls   []Call
	Backend string
}

// Input is what an interpreter sees for one step of a turn.
type Input struct {
	ConversationID string
	// Utterance is the user text that started the turn.
	Utterance    string
	SystemPrompt string
	Window       session.Window
	Tools        []domain.ToolDescriptor
	// Iteration counts tool invocations already executed in this turn.
	Iteration int
	OnDelta   model.DeltaFunc
}

// Interpreter decides how to handle the next step of a turn.
type Interpreter interface {
	Interpret(ctx context.Context, in *Input) (*Interpretation, error)
}

// ModelOptions configures a ModelInterpreter.
type ModelOptions struct {
	Params        model.Params
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration
	Observe       model.CallObserver
	Logger        *zap.Logger
}

// ModelInterpreter asks the active backend what to do.
type ModelInterpreter struct {
	backends *model.Registry
	opts     ModelOptions
}

// NewModelInterpreter creates an interpreter over the backend registry.
func NewModelInterpreter(backends *model.Registry, opts ModelOptions) *ModelInterpreter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &ModelInterpreter{backends: backends, opts: opts}
}

func (m *ModelInterpreter) backend() model.Adapter {
	a := m.backends.Current()
	if a == nil || m.opts.RetryBackoff <= 0 {
		return a
	}
	return model.NewRetrier(a, m.opts.RetryBackoff, m.opts.RetryMaxDelay, m.opts.Logger, m.opts.Observe)
}

func (m *ModelInterpreter) Interpret(ctx context.Context, in *Input) (*Interpretation, error) {
	a := m.backend()
	if a == nil {
		return nil, domain.E(domain.KindBackendUnavailable, "router.interpret", "no AI providers available", nil)
	}
	req := &model.Request{
		SystemPrompt: in.SystemPrompt,
		Summary:      in.Window.Summary,
		Messages:     in.Window.Messages,
		Params:       m.opts.Params,
	}
	if a.Capabilities().SupportsToolCalls {
		req.Tools = in.Tools
	}
	var filter *deltaFilter
	if in.OnDelta != nil {
		filter = &deltaFilter{next: in.OnDelta}
		req.OnDelta = filter.push
	}

	resp, err := a.Generate(ctx, req)
	if m.opts.RetryBackoff <= 0 && m.opts.Observe != nil {
		result := "ok"
		if err != nil {
			result = string(domain.KindOf(err))
		}
		m.opts.Observe(a.Name(), result)
	}
	if err != nil {
		return nil, err
	}

	out := &Interpretation{Backend: resp.Backend}
	if len(resp.ToolCalls) > 0 {
		for _, tc := range resp.ToolCalls {
			out.Calls = append(out.Calls, Call{ID: tc.ID, Name: tc.Name, Args: tc.Args})
		}
		return out, nil
	}
	if tc, _, ok := extractToolCall(resp.Text); ok {
		out.Calls = []Call{{Name: tc.Tool, Args: tc.Args}}
		return out, nil
	}
	if filter != nil {
		if err := filter.release(); err != nil {
			return nil, err
		}
	}
	out.Answer = strings.TrimSpace(resp.Text)
	return out, nil
}

// deltaFilter forwards streamed text up to the first character that may open
// a JSON tool call ('{' or a code fence) and holds everything after it until
// the response is complete. Whitespace is held until visible text follows.
type deltaFilter struct {
	next    model.DeltaFunc
	pending strings.Builder
	held    bool
}

func (f *deltaFilter) push(delta string) error {
	f.pending.WriteString(delta)
	if f.held {
		return nil
	}
	text := f.pending.String()
	cut := strings.IndexAny(text, "{`")
	if cut < 0 {
		if strings.TrimSpace(text) == "" {
			return nil
		}
		f.pending.Reset()
		return f.next(text)
	}
	f.held = true
	if strings.TrimSpace(text[:cut]) == "" {
		return nil
	}
	f.pending.Reset()
	f.pending.WriteString(text[cut:])
	return f.next(text[:cut])
}

// release delivers held text once it turned out to be an answer.
func (f *deltaFilter) release() error {
	f.held = false
	if strings.TrimSpace(f.pending.String()) == "" {
		f.pending.Reset()
		return nil
	}
	text := f.pending.String()
	f.pending.Reset()
	return f.next(text)
}

// Rule maps an utterance pattern to a tool call. String argument values may
// reference capture groups ($1, ${name}).
type Rule struct {
	Pattern *regexp.Regexp
	Tool    string
	Args    map[string]any
}

// CompileRules compiles configured rules. Patterns are case-insensitive.
func CompileRules(cfg []config.RuleConfig) ([]Rule, error) {
	rules := make([]Rule, 0, len(cfg))
	for _, rc := range cfg {
		re, err := regexp.Compile("(?i)" + rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid rule pattern %q: %w", rc.Pattern, err)
		}
		rules = append(rules, Rule{Pattern: re, Tool: rc.Tool, Args: rc.Args})
	}
	return rules, nil
}

// RuleInterpreter applies deterministic rules to the first step of a turn and
// defers everything else to next.
type RuleInterpreter struct {
	rules []Rule
	next  Interpreter
}

// NewRuleInterpreter creates a rule interpreter. next may be nil.
func NewRuleInterpreter(rules []Rule, next Interpreter) *RuleInterpreter {
	return &RuleInterpreter{rules: rules, next: next}
}

func (r *RuleInterpreter) Interpret(ctx context.Context, in *Input) (*Interpretation, error) {
	if in.Iteration == 0 {
		for _, rule := range r.rules {
			match := rule.Pattern.FindStringSubmatchIndex(in.Utterance)
			if match == nil {
				continue
			}
			args := make(map[string]any, len(rule.Args))
			for k, v := range rule.Args {
				if s, ok := v.(string); ok {
					v = string(rule.Pattern.ExpandString(nil, s, in.Utterance, match))
				}
				args[k] = v
			}
			data, err := json.Marshal(args)
			if err != nil {
				return nil, domain.E(domain.KindInternal, "router.rules", "failed to encode rule arguments", err)
			}
			return &Interpretation{Calls: []Call{{Name: rule.Tool, Args: data}}, Backend: "rules"}, nil
		}
	}
	if r.next != nil {
		return r.next.Interpret(ctx, in)
	}
	if in.Iteration > 0 {
		if last, ok := lastToolResult(in.Window.Messages); ok {
			return &Interpretation{Answer: last.Content, Backend: "rules"}, nil
		}
	}
	return nil, domain.E(domain.KindAmbiguousIntent, "router.rules",
		"I didn't understand that. Type /help to see what I can do.", nil)
}

func lastToolResult(msgs []domain.Message) (domain.Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleToolResult {
			return msgs[i], true
		}
	}
	return domain.Message{}, false
}
