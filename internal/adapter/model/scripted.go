package model

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xiaot623/aiva/internal/domain"
)

// Step is one scripted backend reaction.
type Step struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
	// Delay postpones the reply; the request context still applies.
	Delay time.Duration
	// Wait blocks the reply until the channel is closed.
	Wait <-chan struct{}
}

// ToolStep is a Step that requests a single tool.
func ToolStep(name string, args map[string]any) Step {
	data, err := json.Marshal(args)
	if err != nil || len(args) == 0 {
		data = []byte(`{}`)
	}
	return Step{ToolCalls: []ToolCall{{ID: "call_" + name, Name: name, Args: data}}}
}

// Scripted is a deterministic in-process backend. Queued steps are consumed in
// order; once exhausted it answers like a mock echo client.
type Scripted struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []*Request
}

// NewScripted creates a scripted backend.
func NewScripted(name string, steps ...Step) *Scripted {
	if name == "" {
		name = "mock"
	}
	return &Scripted{name: name, steps: steps}
}

var _ Adapter = (*Scripted)(nil)

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsToolCalls: true, MaxContextTokens: 32000}
}

// Push queues more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Calls returns how many requests were received.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Requests returns the received requests.
func (s *Scripted) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Scripted) next(req *Request) (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *req
	snapshot.Messages = append([]domain.Message(nil), req.Messages...)
	s.requests = append(s.requests, &snapshot)
	if len(s.steps) == 0 {
		return Step{}, false
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step, true
}

// Generate replays the next step.
func (s *Scripted) Generate(ctx context.Context, req *Request) (*Response, error) {
	op := s.name + ".generate"
	step, ok := s.next(req)
	if !ok {
		step = Step{Text: mockReply(req)}
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, classifyTransport(op, ctx.Err())
		}
	}
	if step.Wait != nil {
		select {
		case <-step.Wait:
		case <-ctx.Done():
			return nil, classifyTransport(op, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	out := &Response{
		Backend:   s.name,
		Model:     req.Params.Model,
		Text:      step.Text,
		ToolCalls: step.ToolCalls,
		Usage: Usage{
			PromptTokens:     estimateTokens(req),
			CompletionTokens: len(step.Text) / 4,
		},
	}
	if req.OnDelta == nil {
		return finish(req, out, false)
	}

	streamer := newStopStreamer(req.Params.Stop, req.OnDelta)
	for _, chunk := range splitIntoChunks(step.Text, 10) {
		select {
		case <-ctx.Done():
			return nil, classifyTransport(op, ctx.Err())
		default:
		}
		if err := streamer.push(chunk); err != nil {
			return nil, err
		}
	}
	if err := streamer.flush(); err != nil {
		return nil, err
	}
	out.Text = streamer.text()
	return finish(req, out, true)
}

// mockReply generates a mock response based on the request.
func mockReply(req *Request) string {
	var lastUserMessage string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			lastUserMessage = req.Messages[i].Content
			break
		}
	}
	if lastUserMessage == "" {
		return "[MOCK] This is a mock response."
	}
	return fmt.Sprintf("[MOCK] Received your message: %q. This is a mock response.", truncate(lastUserMessage, 100))
}

func estimateTokens(req *Request) int {
	total := len(req.SystemPrompt) / 4
	for _, msg := range req.Messages {
		total += len(msg.Content) / 4
	}
	return total
}

func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return nil
	}
	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := min(i+chunkSize, len(s))
		chunks = append(chunks, s[i:end])
	}
	return chunks
}
