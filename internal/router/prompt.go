package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaot623/aiva/internal/domain"
)

type promptSchema struct {
	Properties map[string]struct {
		Type        string `json:"type"`
		Description string `json:"description"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// BuildSystemPrompt appends the tool catalog and the conversation's working
// memory to the base instructions.
func BuildSystemPrompt(base string, tools []domain.ToolDescriptor, memory []domain.MemoryEntry) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(base))

	if len(tools) > 0 {
		b.WriteString("\n\nHere are the available tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- `%s`: %s\n", t.Name, t.Description)
			for _, line := range argumentLines(t.InputSchema) {
				b.WriteString("  - ")
				b.WriteString(line)
				b.WriteByte('\n')
			}
		}
	}

	if len(memory) > 0 {
		b.WriteString("\nThings you were asked to remember:\n")
		for _, e := range memory {
			fmt.Fprintf(&b, "- %s: %s\n", e.Key, e.Value)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func argumentLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var s promptSchema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		p := s.Properties[name]
		line := fmt.Sprintf("`%s` (%s", name, p.Type)
		if !required[name] {
			line += ", optional"
		}
		line += ")"
		if p.Description != "" {
			line += ": " + p.Description
		}
		lines = append(lines, line)
	}
	return lines
}
