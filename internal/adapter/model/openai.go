package model

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAI talks to any OpenAI-compatible /v1/chat/completions endpoint.
type OpenAI struct {
	httpBackend
	baseURL string
	model   string
}

// NewOpenAI creates a new OpenAI-compatible backend.
func NewOpenAI(baseURL, apiKey, model string, timeout time.Duration) *OpenAI {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &OpenAI{
		httpBackend: httpBackend{
			client:  &http.Client{Timeout: timeout},
			headers: headers,
		},
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
	}
}

var _ Adapter = (*OpenAI)(nil)

func (c *OpenAI) Name() string { return "openai" }

func (c *OpenAI) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsToolCalls: true, MaxContextTokens: 128000}
}

// chatCompletionRequest represents the OpenAI chat completion request.
type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Index    int    `json:"index"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatChoice struct {
	Index        int          `json:"index"`
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type chatCompletionResponse struct {
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

func (c *OpenAI) buildRequest(req *Request) *chatCompletionRequest {
	model := req.Params.Model
	if model == "" {
		model = c.model
	}
	out := &chatCompletionRequest{
		Model:       model,
		Temperature: req.Params.Temperature,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
	}
	// Tool results are fed back as user turns because native tool messages
	// require the originating tool_call_id on an assistant message.
	for _, t := range flatten(req, "user") {
		out.Messages = append(out.Messages, chatMessage{Role: t.Role, Content: t.Content})
	}
	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	return out
}

// Generate sends a chat completion request.
func (c *OpenAI) Generate(ctx context.Context, req *Request) (*Response, error) {
	const op = "openai.generate"
	body := c.buildRequest(req)
	if req.OnDelta != nil {
		return c.stream(ctx, req, body)
	}

	resp, err := c.post(ctx, op, c.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, malformed(op, err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return nil, malformed(op, io.ErrUnexpectedEOF)
	}

	choice := result.Choices[0]
	out := &Response{
		Backend:      c.Name(),
		Model:        result.Model,
		Text:         choice.Message.Content,
		FinishReason: normalizeFinish(choice.FinishReason),
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: rawArgs(tc.Function.Arguments)})
	}
	if result.Usage != nil {
		out.Usage = Usage{PromptTokens: result.Usage.PromptTokens, CompletionTokens: result.Usage.CompletionTokens}
	}
	return finish(req, out, false)
}

// stream parses an SSE chat completion stream.
func (c *OpenAI) stream(ctx context.Context, req *Request, body *chatCompletionRequest) (*Response, error) {
	const op = "openai.stream"
	body.Stream = true

	resp, err := c.post(ctx, op, c.baseURL+"/v1/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &Response{Backend: c.Name(), Model: body.Model}
	streamer := newStopStreamer(req.Params.Stop, req.OnDelta)
	calls := map[int]*ToolCall{}
	args := map[int]*strings.Builder{}
	var order []int

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, classifyTransport(op, err)
		}
		line = strings.TrimSpace(line)
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			if data == "[DONE]" {
				break
			}
			var chunk chatCompletionResponse
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				return nil, malformed(op, jsonErr)
			}
			for _, choice := range chunk.Choices {
				if choice.FinishReason != "" {
					out.FinishReason = normalizeFinish(choice.FinishReason)
				}
				if choice.Delta == nil {
					continue
				}
				if err := streamer.push(choice.Delta.Content); err != nil {
					return nil, err
				}
				for _, tc := range choice.Delta.ToolCalls {
					call, ok := calls[tc.Index]
					if !ok {
						call = &ToolCall{}
						calls[tc.Index] = call
						args[tc.Index] = &strings.Builder{}
						order = append(order, tc.Index)
					}
					if tc.ID != "" {
						call.ID = tc.ID
					}
					if tc.Function.Name != "" {
						call.Name = tc.Function.Name
					}
					args[tc.Index].WriteString(tc.Function.Arguments)
				}
			}
			if chunk.Usage != nil {
				out.Usage = Usage{PromptTokens: chunk.Usage.PromptTokens, CompletionTokens: chunk.Usage.CompletionTokens}
			}
		}
		if err == io.EOF {
			break
		}
	}

	if err := streamer.flush(); err != nil {
		return nil, err
	}
	out.Text = streamer.text()
	for _, idx := range order {
		call := calls[idx]
		call.Args = rawArgs(args[idx].String())
		out.ToolCalls = append(out.ToolCalls, *call)
	}
	return finish(req, out, true)
}

func normalizeFinish(reason string) string {
	switch reason {
	case "length":
		return FinishLength
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "":
		return ""
	default:
		return FinishStop
	}
}

func rawArgs(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(s)
}
