package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
)

const helpText = `  /clear - Clear conversation
  /quit - Exit application
  /help - Show this help
  /ai <provider> - Switch AI provider
  /tools - List available tools
  /tool <name> - Show tool schema`

type commandFunc func(ctx context.Context, ev domain.InboundEvent, args []string) (string, domain.TurnAction)

func (s *Service) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"help":  s.cmdHelp,
		"clear": s.cmdClear,
		"ai":    s.cmdAI,
		"tools": s.cmdTools,
		"tool":  s.cmdTool,
		"quit":  s.cmdQuit,
		"exit":  s.cmdQuit,
	}
}

// command runs a slash command. Commands and their replies are not stored.
func (s *Service) command(ctx context.Context, ev domain.InboundEvent, text string) *domain.TurnResult {
	fields := strings.Fields(strings.TrimPrefix(text, "/"))
	name := ""
	if len(fields) > 0 {
		name = strings.ToLower(fields[0])
		fields = fields[1:]
	}

	fn, ok := s.commands()[name]
	if !ok {
		return s.unstored(ev, domain.TurnOutcomeCommand, "Unknown command", s.now())
	}
	reply, action := fn(ctx, ev, fields)
	res := s.unstored(ev, domain.TurnOutcomeCommand, reply, s.now())
	res.Action = action
	return res
}

func (s *Service) cmdHelp(context.Context, domain.InboundEvent, []string) (string, domain.TurnAction) {
	return helpText, domain.TurnActionNone
}

func (s *Service) cmdQuit(context.Context, domain.InboundEvent, []string) (string, domain.TurnAction) {
	return "Goodbye!", domain.TurnActionQuit
}

func (s *Service) cmdClear(ctx context.Context, ev domain.InboundEvent, _ []string) (string, domain.TurnAction) {
	if err := s.sessions.Clear(ctx, ev.ConversationID); err != nil {
		s.log.Error("failed to clear history", zap.String("conversation_id", ev.ConversationID), zap.Error(err))
		return "Command failed: could not clear history", domain.TurnActionNone
	}
	s.log.Info("cleared history", zap.String("conversation_id", ev.ConversationID))
	return "History cleared", domain.TurnActionClear
}

func (s *Service) cmdAI(_ context.Context, _ domain.InboundEvent, args []string) (string, domain.TurnAction) {
	names := s.backends.Names()
	if len(names) == 0 {
		return "No AI providers available", domain.TurnActionNone
	}
	if len(args) == 0 {
		current := s.backends.CurrentName()
		listed := make([]string, len(names))
		for i, n := range names {
			if n == current {
				n = "[" + n + "]"
			}
			listed[i] = n
		}
		return fmt.Sprintf("Current: %s\nAvailable: %s", current, strings.Join(listed, ", ")), domain.TurnActionNone
	}

	name := strings.ToLower(args[0])
	if err := s.backends.Switch(name); err != nil {
		return fmt.Sprintf("AI provider not found. Available: %s", strings.Join(names, ", ")), domain.TurnActionNone
	}
	s.log.Info("switched backend", zap.String("backend", name))
	return "Switched to " + name, domain.TurnActionNone
}

func (s *Service) cmdTools(context.Context, domain.InboundEvent, []string) (string, domain.TurnAction) {
	descs := s.tools.Descriptors()
	if len(descs) == 0 {
		return "No tools available", domain.TurnActionNone
	}
	lines := make([]string, 0, len(descs))
	for _, d := range descs {
		line := "• " + d.Name
		if d.Description != "" {
			line += ": " + d.Description
		}
		lines = append(lines, line)
	}
	return "Available tools:\n" + strings.Join(lines, "\n"), domain.TurnActionNone
}

func (s *Service) cmdTool(_ context.Context, _ domain.InboundEvent, args []string) (string, domain.TurnAction) {
	if len(args) == 0 {
		return "Usage: /tool <name>", domain.TurnActionNone
	}
	desc, _, ok := s.tools.Lookup(args[0])
	if !ok {
		return "Tool not found", domain.TurnActionNone
	}
	data, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return "Tool not found", domain.TurnActionNone
	}
	return string(data), domain.TurnActionNone
}
