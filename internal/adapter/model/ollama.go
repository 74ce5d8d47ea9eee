package model

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// DefaultOllamaHost is the local inference server address.
const DefaultOllamaHost = "http://localhost:11434"

// Ollama drives a local Ollama server through /api/chat.
type Ollama struct {
	httpBackend
	host  string
	model string
}

// NewOllama creates a new Ollama backend.
func NewOllama(host, model string, timeout time.Duration) *Ollama {
	if host == "" {
		host = DefaultOllamaHost
	}
	if model == "" {
		model = "llama3.2"
	}
	return &Ollama{
		httpBackend: httpBackend{client: &http.Client{Timeout: timeout}},
		host:        strings.TrimSuffix(host, "/"),
		model:       model,
	}
}

var _ Adapter = (*Ollama)(nil)

func (o *Ollama) Name() string { return "ollama" }

func (o *Ollama) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsToolCalls: true, MaxContextTokens: 8192}
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []chatTool      `json:"tools,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	DoneReason      string        `json:"done_reason"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
	Error           string        `json:"error,omitempty"`
}

// Generate sends a chat request to Ollama.
func (o *Ollama) Generate(ctx context.Context, req *Request) (*Response, error) {
	const op = "ollama.generate"
	model := req.Params.Model
	if model == "" {
		model = o.model
	}
	body := ollamaChatRequest{
		Model:  model,
		Stream: req.OnDelta != nil,
		Options: ollamaOptions{
			Temperature: req.Params.Temperature,
			NumPredict:  req.Params.MaxTokens,
			Stop:        req.Params.Stop,
		},
	}
	for _, t := range flatten(req, "tool") {
		body.Messages = append(body.Messages, ollamaMessage{Role: t.Role, Content: t.Content})
	}
	for _, tool := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: tool.Name, Description: tool.Description, Parameters: tool.InputSchema},
		})
	}

	resp, err := o.post(ctx, op, o.host+"/api/chat", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{Backend: o.Name(), Model: model}
	streamer := newStopStreamer(req.Params.Stop, req.OnDelta)

	// Non-streaming responses are a single JSON object; streaming ones are
	// newline-delimited objects. Both decode line by line.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	sawDone := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return nil, malformed(op, err)
		}
		if chunk.Error != "" {
			return nil, classifyMessage(op, &backendMessageError{msg: chunk.Error})
		}
		if err := streamer.push(chunk.Message.Content); err != nil {
			return nil, err
		}
		for _, tc := range chunk.Message.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage(`{}`)
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{Name: tc.Function.Name, Args: args})
		}
		if chunk.Done {
			sawDone = true
			out.FinishReason = normalizeFinish(chunk.DoneReason)
			out.Usage = Usage{PromptTokens: chunk.PromptEvalCount, CompletionTokens: chunk.EvalCount}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, classifyTransport(op, err)
	}
	if !sawDone {
		return nil, malformed(op, errIncompleteStream)
	}
	if err := streamer.flush(); err != nil {
		return nil, err
	}
	out.Text = streamer.text()
	return finish(req, out, req.OnDelta != nil)
}

type backendMessageError struct{ msg string }

func (e *backendMessageError) Error() string { return e.msg }

var errIncompleteStream = &backendMessageError{msg: "stream ended before done"}
