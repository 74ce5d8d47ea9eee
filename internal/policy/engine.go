// Package policy evaluates capability decisions with OPA.
package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed capability.rego
var DefaultPolicy string

const query = "data.aiva.capability.result"

// Decision values.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// Input is what the policy sees for one authorization.
type Input struct {
	Tool         ToolInput `json:"tool"`
	Granted      []string  `json:"granted"`
	BlockedTools []string  `json:"blocked_tools"`
}

// ToolInput describes the tool being authorized.
type ToolInput struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// Result is the policy output.
type Result struct {
	Decision string   `json:"decision"`
	Reason   string   `json:"reason"`
	Missing  []string `json:"missing"`
}

// Allowed reports whether the decision is allow.
func (r Result) Allowed() bool { return r.Decision == DecisionAllow }

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	if policyContent == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query(query),
		rego.Module("capability.rego", policyContent),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}
	return &Engine{query: prepared}, nil
}

// NewEngineFromFile loads a policy module from path, or the embedded module
// when path is empty.
func NewEngineFromFile(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate runs the capability policy. A policy that produces no result denies.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Result, error) {
	if in.Granted == nil {
		in.Granted = []string{}
	}
	if in.BlockedTools == nil {
		in.BlockedTools = []string{}
	}
	if in.Tool.Capabilities == nil {
		in.Tool.Capabilities = []string{}
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return Result{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Result{Decision: DecisionDeny, Reason: "no_decision"}, nil
	}

	obj, ok := results[0].Expressions[0].Value.(map[string]interface{})
	if !ok {
		return Result{Decision: DecisionDeny, Reason: "unexpected return type"}, nil
	}
	out := Result{Decision: DecisionDeny}
	if s, ok := obj["decision"].(string); ok {
		out.Decision = s
	}
	if s, ok := obj["reason"].(string); ok {
		out.Reason = s
	}
	if list, ok := obj["missing"].([]interface{}); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				out.Missing = append(out.Missing, s)
			}
		}
	}
	slices.Sort(out.Missing)
	if out.Decision != DecisionAllow {
		out.Decision = DecisionDeny
	}
	return out, nil
}
