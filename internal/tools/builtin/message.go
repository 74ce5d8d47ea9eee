package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

// Notifier delivers text to a conversation's connected channel.
type Notifier interface {
	Notify(ctx context.Context, conversationID, text string) error
}

// MemoryStore is the working memory collaborator.
type MemoryStore interface {
	SetMemory(ctx context.Context, conversationID, key, value string) error
	GetMemory(ctx context.Context, conversationID, key string) (string, bool, error)
}

var sendMessageDescriptor = domain.ToolDescriptor{
	Name:         "send_message",
	Description:  "Send a text message to a conversation. Defaults to the current one.",
	Capabilities: []string{CapMessagingSend},
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"conversation_id": {"type": "string"},
			"text": {"type": "string", "description": "Message text"}
		},
		"required": ["text"]
	}`),
	TimeoutMs: 5000,
}

var rememberDescriptor = domain.ToolDescriptor{
	Name:        "remember",
	Description: "Store a value in working memory under a key.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"key": {"type": "string"}, "value": {"type": "string"}},
		"required": ["key", "value"]
	}`),
	TimeoutMs: 5000,
}

var recallDescriptor = domain.ToolDescriptor{
	Name:        "recall",
	Description: "Read a value from working memory.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"key": {"type": "string"}},
		"required": ["key"]
	}`),
	OutputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {"key": {"type": "string"}, "value": {"type": "string"}, "found": {"type": "boolean"}},
		"required": ["key", "found"]
	}`),
	TimeoutMs: 5000,
}

type sendMessageArgs struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type memoryArgs struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type messageTools struct {
	notifier Notifier
	memory   MemoryStore
}

func (t *messageTools) send(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	if t.notifier == nil {
		return nil, fmt.Errorf("no messaging channel configured")
	}
	args, err := decodeArgs[sendMessageArgs](call.Args)
	if err != nil {
		return nil, err
	}
	target := args.ConversationID
	if target == "" {
		target = call.ConversationID
	}
	if err := t.notifier.Notify(ctx, target, args.Text); err != nil {
		return nil, fmt.Errorf("failed to deliver message: %w", err)
	}
	return encodeResult(map[string]any{"conversation_id": target, "delivered": true})
}

func (t *messageTools) remember(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	if t.memory == nil {
		return nil, fmt.Errorf("working memory is not available")
	}
	args, err := decodeArgs[memoryArgs](call.Args)
	if err != nil {
		return nil, err
	}
	if err := t.memory.SetMemory(ctx, call.ConversationID, args.Key, args.Value); err != nil {
		return nil, err
	}
	return encodeResult(map[string]any{"key": args.Key, "stored": true})
}

func (t *messageTools) recall(ctx context.Context, call tools.Call) (json.RawMessage, error) {
	if t.memory == nil {
		return nil, fmt.Errorf("working memory is not available")
	}
	args, err := decodeArgs[memoryArgs](call.Args)
	if err != nil {
		return nil, err
	}
	value, found, err := t.memory.GetMemory(ctx, call.ConversationID, args.Key)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"key": args.Key, "found": found}
	if found {
		out["value"] = value
	}
	return encodeResult(out)
}
