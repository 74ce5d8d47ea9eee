package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/kaptinlin/jsonschema"
)

// compiledSchema pairs a compiled JSON schema with the raw properties the
// planner needs.
type compiledSchema struct {
	raw       json.RawMessage
	schema    *jsonschema.Schema
	required  []string
	canonical string
}

type schemaShape struct {
	Type       string                     `json:"type"`
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
}

func compileSchema(raw json.RawMessage) (*compiledSchema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var shape schemaShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	schema, err := jsonschema.NewCompiler().Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	canonical, err := canonicalJSON(raw)
	if err != nil {
		return nil, err
	}
	return &compiledSchema{raw: raw, schema: schema, required: shape.Required, canonical: canonical}, nil
}

// validate returns human readable violations, empty when value conforms.
func (c *compiledSchema) validate(value any) []string {
	if c == nil {
		return nil
	}
	result := c.schema.Validate(value)
	if result.Valid {
		return nil
	}
	var out []string
	for key, e := range result.Errors {
		out = append(out, fmt.Sprintf("%s: %v", key, e))
	}
	sort.Strings(out)
	return out
}

// missing lists required properties absent from args.
func (c *compiledSchema) missing(args map[string]any) []string {
	if c == nil {
		return nil
	}
	var out []string
	for _, name := range c.required {
		v, ok := args[name]
		if !ok || v == nil {
			out = append(out, name)
			continue
		}
		if s, isString := v.(string); isString && s == "" {
			out = append(out, name)
		}
	}
	return out
}

// canonicalJSON re-encodes a document with sorted keys so equal schemas
// compare equal regardless of formatting.
func canonicalJSON(raw json.RawMessage) (string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("failed to parse schema: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	return string(out), nil
}
