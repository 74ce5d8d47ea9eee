// Package model provides a uniform interface over heterogeneous model backends.
package model

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/xiaot623/aiva/internal/domain"
)

// Adapter is implemented by every model backend.
type Adapter interface {
	// Name is the backend name used for selection, e.g. "ollama".
	Name() string

	// Generate produces a complete response. When req.OnDelta is set the
	// adapter streams text deltas through it before returning.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// Capabilities describes what the backend supports.
	Capabilities() Capabilities
}

// Capabilities describes backend features.
type Capabilities struct {
	SupportsStreaming bool `json:"supports_streaming"`
	SupportsToolCalls bool `json:"supports_tool_calls"`
	MaxContextTokens  int  `json:"max_context_tokens"`
}

// Params are generation parameters.
type Params struct {
	Model       string   `json:"model,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// DeltaFunc receives streamed text.
type DeltaFunc func(delta string) error

// Request is a generation request.
type Request struct {
	SystemPrompt string
	// Summary is a summarized history prefix placed before Messages.
	Summary  string
	Messages []domain.Message
	Tools    []domain.ToolDescriptor
	Params   Params
	OnDelta  DeltaFunc
}

// ToolCall is a tool request emitted by a backend.
type ToolCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishToolCalls = "tool_calls"
)

// Response is a normalized backend response.
type Response struct {
	Backend      string     `json:"backend"`
	Model        string     `json:"model,omitempty"`
	Text         string     `json:"text"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        Usage      `json:"usage"`
}

// chatTurn is the role/content pair most backends accept.
type chatTurn struct {
	Role    string
	Content string
}

// flatten converts the request into backend-neutral chat turns. Tool results
// are presented as user turns, matching backends without a tool role.
func flatten(req *Request, toolRole string) []chatTurn {
	turns := make([]chatTurn, 0, len(req.Messages)+2)
	system := req.SystemPrompt
	if req.Summary != "" {
		if system != "" {
			system += "\n\n"
		}
		system += "Summary of earlier conversation:\n" + req.Summary
	}
	if system != "" {
		turns = append(turns, chatTurn{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case domain.RoleToolResult:
			role := toolRole
			if role == "" {
				role = "user"
			}
			turns = append(turns, chatTurn{Role: role, Content: msg.Content})
		case domain.RoleAssistant:
			turns = append(turns, chatTurn{Role: "assistant", Content: msg.Content})
		default:
			turns = append(turns, chatTurn{Role: "user", Content: msg.Content})
		}
	}
	return turns
}

// applyStop truncates text at the first stop sequence. It reports whether a
// stop sequence was found.
func applyStop(text string, stop []string) (string, bool) {
	cut := -1
	for _, s := range stop {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return text, false
	}
	return text[:cut], true
}

// stopStreamer forwards deltas until a stop sequence is seen.
type stopStreamer struct {
	stop    []string
	next    DeltaFunc
	buf     strings.Builder
	sent    int
	stopped bool
}

func newStopStreamer(stop []string, next DeltaFunc) *stopStreamer {
	return &stopStreamer{stop: stop, next: next}
}

// push appends delta and emits whatever is now known to precede any stop sequence.
func (s *stopStreamer) push(delta string) error {
	if s.stopped || delta == "" {
		return nil
	}
	s.buf.WriteString(delta)
	full := s.buf.String()
	text, found := applyStop(full, s.stop)
	emitUpTo := len(text)
	if !found {
		// Hold back a tail that could be the start of a stop sequence.
		emitUpTo = len(full) - s.holdback(full)
	} else {
		s.stopped = true
	}
	if emitUpTo > s.sent {
		chunk := full[s.sent:emitUpTo]
		s.sent = emitUpTo
		if s.next != nil {
			return s.next(chunk)
		}
	}
	return nil
}

// flush emits the held back tail once the stream has ended.
func (s *stopStreamer) flush() error {
	if s.stopped {
		return nil
	}
	full := s.buf.String()
	if len(full) > s.sent && s.next != nil {
		chunk := full[s.sent:]
		s.sent = len(full)
		return s.next(chunk)
	}
	return nil
}

// text returns the accumulated text truncated at the stop sequence.
func (s *stopStreamer) text() string {
	text, _ := applyStop(s.buf.String(), s.stop)
	return text
}

func (s *stopStreamer) holdback(full string) int {
	hold := 0
	for _, stop := range s.stop {
		for n := len(stop) - 1; n > hold; n-- {
			if strings.HasSuffix(full, stop[:n]) {
				hold = n
				break
			}
		}
	}
	return hold
}

// finish normalizes a complete response: applies stop sequences and, for
// non-streaming backends, delivers the whole text as a single delta.
func finish(req *Request, resp *Response, streamed bool) (*Response, error) {
	if text, found := applyStop(resp.Text, req.Params.Stop); found {
		resp.Text = text
		resp.FinishReason = FinishStop
	}
	if resp.FinishReason == "" {
		resp.FinishReason = FinishStop
	}
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	}
	if !streamed && req.OnDelta != nil && resp.Text != "" {
		if err := req.OnDelta(resp.Text); err != nil {
			return nil, err
		}
	}
	return resp, nil
}
