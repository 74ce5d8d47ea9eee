// Package tools holds tool descriptors and their implementations.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/xiaot623/aiva/internal/domain"
)

var (
	ErrConflict = errors.New("tool already registered with a different descriptor")
	ErrSealed   = errors.New("tool registry is sealed")
	ErrNotFound = errors.New("tool not found")
)

// Call is the input handed to an implementation.
type Call struct {
	ConversationID string
	InvocationID   string
	Args           json.RawMessage
}

// Implementation executes a tool.
type Implementation interface {
	Execute(ctx context.Context, call Call) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Implementation.
type ExecutorFunc func(ctx context.Context, call Call) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, call Call) (json.RawMessage, error) {
	return f(ctx, call)
}

type entry struct {
	desc   domain.ToolDescriptor
	impl   Implementation
	input  *compiledSchema
	output *compiledSchema
}

// Registry stores tool descriptors and implementations keyed by tool name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	sealed  bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. Registering the same descriptor twice is a no-op.
func (r *Registry) Register(desc domain.ToolDescriptor, impl Implementation) error {
	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if impl == nil {
		return fmt.Errorf("implementation is required for %s", desc.Name)
	}
	input, err := compileSchema(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", desc.Name, err)
	}
	output, err := compileSchema(desc.OutputSchema)
	if err != nil {
		return fmt.Errorf("tool %s: invalid output schema: %w", desc.Name, err)
	}
	desc.Capabilities = normalizeCapabilities(desc.Capabilities)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	if existing, ok := r.entries[desc.Name]; ok {
		if sameDescriptor(existing, desc, input, output) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConflict, desc.Name)
	}
	r.entries[desc.Name] = &entry{desc: desc, impl: impl, input: input, output: output}
	return nil
}

// MustRegister adds a tool or panics.
func (r *Registry) MustRegister(desc domain.ToolDescriptor, impl Implementation) {
	if err := r.Register(desc, impl); err != nil {
		panic(err)
	}
}

// Seal rejects further registrations.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Sealed reports whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}

// Lookup returns the descriptor and implementation for name.
func (r *Registry) Lookup(name string) (domain.ToolDescriptor, Implementation, bool) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return domain.ToolDescriptor{}, nil, false
	}
	return e.desc, e.impl, true
}

// Descriptors lists every registered tool in name order.
func (r *Registry) Descriptors() []domain.ToolDescriptor {
	r.mu.RLock()
	out := make([]domain.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.desc)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validation is the outcome of checking arguments against a tool schema.
type Validation struct {
	Missing    []string `json:"missing,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

// OK reports whether the arguments are acceptable.
func (v Validation) OK() bool {
	return len(v.Missing) == 0 && len(v.Violations) == 0
}

// ValidateArgs checks args against the tool's input schema.
func (r *Registry) ValidateArgs(name string, args json.RawMessage) (Validation, error) {
	e, err := r.get(name)
	if err != nil {
		return Validation{}, err
	}
	decoded, err := decodeObject(args)
	if err != nil {
		return Validation{Violations: []string{err.Error()}}, nil
	}
	v := Validation{Missing: e.input.missing(decoded)}
	if len(v.Missing) == 0 {
		v.Violations = e.input.validate(decoded)
	}
	return v, nil
}

// ValidateResult checks an implementation result against the output schema.
func (r *Registry) ValidateResult(name string, result json.RawMessage) error {
	e, err := r.get(name)
	if err != nil {
		return err
	}
	if e.output == nil {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(result, &decoded); err != nil {
		return fmt.Errorf("tool %s returned invalid JSON: %w", name, err)
	}
	if violations := e.output.validate(decoded); len(violations) > 0 {
		return fmt.Errorf("tool %s result does not match schema: %v", name, violations)
	}
	return nil
}

// Required returns the required argument names of a tool.
func (r *Registry) Required(name string) []string {
	e, err := r.get(name)
	if err != nil || e.input == nil {
		return nil
	}
	return slices.Clone(e.input.required)
}

func (r *Registry) get(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return e, nil
}

func decodeObject(args json.RawMessage) (map[string]any, error) {
	if len(args) == 0 || string(args) == "null" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(args, &out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func normalizeCapabilities(caps []string) []string {
	out := slices.Clone(caps)
	if out == nil {
		out = []string{}
	}
	sort.Strings(out)
	return slices.Compact(out)
}

func sameDescriptor(e *entry, desc domain.ToolDescriptor, input, output *compiledSchema) bool {
	if !slices.Equal(e.desc.Capabilities, desc.Capabilities) {
		return false
	}
	return canonicalOf(e.input) == canonicalOf(input) && canonicalOf(e.output) == canonicalOf(output)
}

func canonicalOf(c *compiledSchema) string {
	if c == nil {
		return ""
	}
	return c.canonical
}
