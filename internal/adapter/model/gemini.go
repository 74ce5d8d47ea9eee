package model

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/xiaot623/aiva/internal/domain"
)

// Gemini uses the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini backend bound to an API key. An empty baseURL
// uses the public endpoint.
func NewGemini(ctx context.Context, apiKey, model, baseURL string) (*Gemini, error) {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

var _ Adapter = (*Gemini)(nil)

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Capabilities() Capabilities {
	return Capabilities{SupportsStreaming: true, SupportsToolCalls: false, MaxContextTokens: 1000000}
}

func (g *Gemini) buildContents(req *Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{
		StopSequences: req.Params.Stop,
	}
	if req.Params.Temperature != nil {
		config.Temperature = genai.Ptr(float32(*req.Params.Temperature))
	}
	if req.Params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.Params.MaxTokens)
	}

	var contents []*genai.Content
	for _, t := range flatten(req, "user") {
		switch t.Role {
		case "system":
			config.SystemInstruction = genai.NewContentFromText(t.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(t.Content, genai.RoleUser))
		}
	}
	return contents, config
}

// Generate calls GenerateContent, or GenerateContentStream when streaming.
func (g *Gemini) Generate(ctx context.Context, req *Request) (*Response, error) {
	const op = "gemini.generate"
	model := req.Params.Model
	if model == "" {
		model = g.model
	}
	contents, config := g.buildContents(req)
	out := &Response{Backend: g.Name(), Model: model}

	if req.OnDelta == nil {
		resp, err := g.client.Models.GenerateContent(ctx, model, contents, config)
		if err != nil {
			return nil, classifyGemini(op, err)
		}
		if len(resp.Candidates) == 0 {
			return nil, malformed(op, fmt.Errorf("no candidates in response"))
		}
		out.Text = resp.Text()
		out.FinishReason = geminiFinish(resp)
		if resp.UsageMetadata != nil {
			out.Usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		return finish(req, out, false)
	}

	streamer := newStopStreamer(req.Params.Stop, req.OnDelta)
	for resp, err := range g.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, classifyGemini(op, err)
		}
		if err := streamer.push(resp.Text()); err != nil {
			return nil, err
		}
		if reason := geminiFinish(resp); reason != "" {
			out.FinishReason = reason
		}
		if resp.UsageMetadata != nil {
			out.Usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}
	if err := streamer.flush(); err != nil {
		return nil, err
	}
	out.Text = streamer.text()
	return finish(req, out, true)
}

func geminiFinish(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	switch strings.ToUpper(string(resp.Candidates[0].FinishReason)) {
	case "":
		return ""
	case "MAX_TOKENS":
		return FinishLength
	default:
		return FinishStop
	}
}

// classifyGemini maps SDK errors to the shared taxonomy. API errors carry the
// HTTP status; anything else is a transport or decoding failure.
func classifyGemini(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(op, apiErr.Code, []byte(apiErr.Message), nil)
	}
	var apiPtr *genai.APIError
	if errors.As(err, &apiPtr) && apiPtr != nil {
		return classifyStatus(op, apiPtr.Code, []byte(apiPtr.Message), nil)
	}
	var netErr net.Error
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return classifyTransport(op, err)
	}
	return malformed(op, err)
}
