package router

import (
	"bytes"
	"encoding/json"
	"strings"
)

// textCall is the JSON shape models use when they lack native tool calls.
type textCall struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

// extractToolCall finds a {"tool": ..., "args": {...}} object in model text,
// either as the whole response or embedded in prose. The remaining prose is
// returned alongside the call.
func extractToolCall(text string) (call textCall, prose string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		if c, valid := parseTextCall(trimmed); valid {
			return c, "", true
		}
	}

	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				candidate := text[start : i+1]
				if c, valid := parseTextCall(candidate); valid {
					rest := strings.TrimSpace(text[:start] + text[i+1:])
					return c, stripFences(rest), true
				}
				start = -1
			}
		}
	}
	return textCall{}, "", false
}

func parseTextCall(candidate string) (textCall, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return textCall{}, false
	}
	if _, has := fields["tool"]; !has {
		return textCall{}, false
	}
	var c textCall
	if err := json.Unmarshal([]byte(candidate), &c); err != nil || c.Tool == "" {
		return textCall{}, false
	}
	args := bytes.TrimSpace(c.Args)
	if len(args) == 0 || string(args) == "null" {
		c.Args = json.RawMessage(`{}`)
	} else if args[0] != '{' {
		return textCall{}, false
	}
	return c, true
}

// stripFences removes empty markdown code fences left behind by an extracted call.
func stripFences(s string) string {
	for _, fence := range []string{"```json", "```"} {
		s = strings.ReplaceAll(s, fence, "")
	}
	return strings.TrimSpace(s)
}
