package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/metrics"
	"github.com/xiaot623/aiva/internal/policy"
	"github.com/xiaot623/aiva/internal/repository"
	"github.com/xiaot623/aiva/internal/tools"
)

// Decision is the result of an authorization. Denial is a value, not an error.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reason  string   `json:"reason,omitempty"`
	Missing []string `json:"missing,omitempty"`
}

// Explain renders a denial for the user.
func (d Decision) Explain(tool string) string {
	switch {
	case d.Allowed:
		return ""
	case len(d.Missing) > 0:
		return fmt.Sprintf("I can't use %s without permission: %s is not granted.", tool, strings.Join(d.Missing, ", "))
	case d.Reason == "blocked":
		return fmt.Sprintf("The %s tool is blocked by policy.", tool)
	default:
		return fmt.Sprintf("I'm not allowed to use %s (%s).", tool, d.Reason)
	}
}

// Outcome is the terminal state of one invocation.
type Outcome struct {
	Invocation domain.ToolInvocation
	Decision   Decision
	// Err is a *domain.Error whenever Invocation.Status is not SUCCEEDED.
	Err error
}

// Succeeded reports whether the tool ran and returned a result.
func (o Outcome) Succeeded() bool {
	return o.Invocation.Status == domain.InvocationStatusSucceeded
}

// Options configures a Gate.
type Options struct {
	BlockedTools   []string
	DefaultTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
}

// Gate authorizes and executes tool invocations.
type Gate struct {
	tools          *tools.Registry
	grants         *Grants
	policy         *policy.Engine
	store          repository.InvocationStore
	blocked        []string
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	log            *zap.Logger
	now            func() time.Time
}

// NewGate creates a gate.
func NewGate(registry *tools.Registry, grants *Grants, engine *policy.Engine, store repository.InvocationStore, opts Options) *Gate {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gate{
		tools:          registry,
		grants:         grants,
		policy:         engine,
		store:          store,
		blocked:        opts.BlockedTools,
		defaultTimeout: opts.DefaultTimeout,
		metrics:        opts.Metrics,
		log:            opts.Logger,
		now:            time.Now,
	}
}

// Grants returns the grant set the gate reads.
func (g *Gate) Grants() *Grants { return g.grants }

// Tools returns the tool registry.
func (g *Gate) Tools() *tools.Registry { return g.tools }

// Authorize evaluates the policy for a tool in a conversation.
func (g *Gate) Authorize(ctx context.Context, conversationID, toolName string) (Decision, error) {
	desc, _, ok := g.tools.Lookup(toolName)
	if !ok {
		return Decision{}, domain.E(domain.KindToolNotFound, "capability.authorize", "unknown tool "+toolName, nil)
	}
	res, err := g.policy.Evaluate(ctx, policy.Input{
		Tool:         policy.ToolInput{Name: desc.Name, Capabilities: desc.Capabilities},
		Granted:      g.grants.Scopes(conversationID, g.now()),
		BlockedTools: g.blocked,
	})
	if err != nil {
		return Decision{Reason: "policy_error"}, fmt.Errorf("policy evaluation failed: %w", err)
	}
	return Decision{Allowed: res.Allowed(), Reason: res.Reason, Missing: res.Missing}, nil
}

type execResult struct {
	result json.RawMessage
	err    error
}

// Invoke authorizes inv again, validates its arguments and runs the tool
// under its timeout. The implementation is never called when authorization
// denies or fails. The returned outcome is always terminal.
func (g *Gate) Invoke(ctx context.Context, inv *domain.ToolInvocation) Outcome {
	const op = "capability.invoke"
	if inv.InvocationID == "" {
		inv.InvocationID = "inv_" + uuid.New().String()
	}
	inv.StartedAt = g.now().UTC()
	inv.Status = domain.InvocationStatusPending
	log := g.log.With(
		zap.String("conversation_id", inv.ConversationID),
		zap.String("invocation_id", inv.InvocationID),
		zap.String("tool", inv.ToolName))

	desc, impl, ok := g.tools.Lookup(inv.ToolName)
	if !ok {
		// Unknown tools are not recorded; there is no descriptor to audit against.
		inv.Status = domain.InvocationStatusFailed
		inv.FailureReason = "unknown tool " + inv.ToolName
		return Outcome{Invocation: *inv, Err: domain.E(domain.KindToolNotFound, op, inv.FailureReason, nil)}
	}

	decision, err := g.Authorize(ctx, inv.ConversationID, inv.ToolName)
	if err != nil {
		log.Error("authorization failed", zap.Error(err))
		return g.fail(ctx, inv, decision, domain.InvocationStatusDenied,
			domain.E(domain.KindToolDenied, op, "authorization unavailable", err), true)
	}
	if !decision.Allowed {
		log.Info("tool denied", zap.String("reason", decision.Reason), zap.Strings("missing", decision.Missing))
		return g.fail(ctx, inv, decision, domain.InvocationStatusDenied,
			domain.E(domain.KindToolDenied, op, decision.Explain(inv.ToolName), nil), true)
	}

	validation, err := g.tools.ValidateArgs(inv.ToolName, inv.Args)
	if err != nil {
		return g.fail(ctx, inv, decision, domain.InvocationStatusFailed,
			domain.E(domain.KindToolExecutionFailed, op, "argument validation failed", err), true)
	}
	if !validation.OK() {
		msg := "invalid arguments"
		if len(validation.Missing) > 0 {
			msg = "missing arguments: " + strings.Join(validation.Missing, ", ")
		} else if len(validation.Violations) > 0 {
			msg += ": " + strings.Join(validation.Violations, "; ")
		}
		return g.fail(ctx, inv, decision, domain.InvocationStatusFailed,
			domain.E(domain.KindToolExecutionFailed, op, msg, nil), true)
	}

	if err := g.store.CreateInvocation(ctx, inv); err != nil {
		log.Warn("failed to record invocation", zap.Error(err))
	}

	timeout := desc.Timeout(g.defaultTimeout)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("tool panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				done <- execResult{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := impl.Execute(runCtx, tools.Call{
			ConversationID: inv.ConversationID,
			InvocationID:   inv.InvocationID,
			Args:           inv.Args,
		})
		done <- execResult{result: result, err: err}
	}()

	var res execResult
	select {
	case res = <-done:
	case <-runCtx.Done():
		res = execResult{err: runCtx.Err()}
	}

	switch {
	case res.err != nil && (errors.Is(res.err, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)):
		log.Warn("tool timed out", zap.Duration("timeout", timeout))
		return g.fail(ctx, inv, decision, domain.InvocationStatusTimeout,
			domain.E(domain.KindToolTimeout, op, fmt.Sprintf("%s did not finish within %s", inv.ToolName, timeout), res.err), false)
	case res.err != nil && errors.Is(res.err, context.Canceled):
		return g.fail(ctx, inv, decision, domain.InvocationStatusTimeout,
			domain.E(domain.KindToolTimeout, op, inv.ToolName+" was cancelled", res.err), false)
	case res.err != nil:
		log.Info("tool failed", zap.Error(res.err))
		return g.fail(ctx, inv, decision, domain.InvocationStatusFailed,
			domain.E(domain.KindToolExecutionFailed, op, res.err.Error(), nil), false)
	}

	if len(res.result) == 0 {
		res.result = json.RawMessage(`null`)
	}
	if err := g.tools.ValidateResult(inv.ToolName, res.result); err != nil {
		return g.fail(ctx, inv, decision, domain.InvocationStatusFailed,
			domain.E(domain.KindToolExecutionFailed, op, "tool returned an unexpected result", err), false)
	}

	inv.Status = domain.InvocationStatusSucceeded
	inv.Result = res.result
	g.complete(ctx, inv, false)
	log.Debug("tool succeeded")
	return Outcome{Invocation: *inv, Decision: decision}
}

// fail finishes inv with a non-success status. create is true when the
// invocation has not been recorded yet.
func (g *Gate) fail(ctx context.Context, inv *domain.ToolInvocation, d Decision, status domain.InvocationStatus, err *domain.Error, create bool) Outcome {
	inv.Status = status
	inv.FailureReason = err.Message
	g.complete(ctx, inv, create)
	return Outcome{Invocation: *inv, Decision: d, Err: err}
}

func (g *Gate) complete(ctx context.Context, inv *domain.ToolInvocation, create bool) {
	ended := g.now().UTC()
	inv.EndedAt = &ended
	g.metrics.ToolInvocation(inv.ToolName, string(inv.Status))

	// The record must land even when the turn was cancelled.
	ctx = context.WithoutCancel(ctx)
	if create {
		if err := g.store.CreateInvocation(ctx, inv); err != nil {
			g.log.Warn("failed to record invocation", zap.String("invocation_id", inv.InvocationID), zap.Error(err))
		}
		return
	}
	if err := g.store.CompleteInvocation(ctx, inv.InvocationID, inv.Status, inv.Result, inv.FailureReason, ended); err != nil {
		g.log.Warn("failed to complete invocation", zap.String("invocation_id", inv.InvocationID), zap.Error(err))
	}
}
