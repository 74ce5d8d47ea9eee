// Package domain defines the core domain models for the assistant core.
package domain

// Role identifies who produced a message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool"
)

// InvocationStatus represents the status of a tool invocation.
type InvocationStatus string

const (
	InvocationStatusPending   InvocationStatus = "PENDING"
	InvocationStatusSucceeded InvocationStatus = "SUCCEEDED"
	InvocationStatusFailed    InvocationStatus = "FAILED"
	InvocationStatusDenied    InvocationStatus = "DENIED"
	InvocationStatusTimeout   InvocationStatus = "TIMEOUT"
)

// IsTerminal reports whether the invocation has finished.
func (s InvocationStatus) IsTerminal() bool {
	return s != InvocationStatusPending && s != ""
}

// TurnOutcome summarizes how a turn ended.
type TurnOutcome string

const (
	TurnOutcomeAnswered       TurnOutcome = "answered"
	TurnOutcomeClarification  TurnOutcome = "clarification"
	TurnOutcomeDenied         TurnOutcome = "denied"
	TurnOutcomeToolFailed     TurnOutcome = "tool_failed"
	TurnOutcomeBackendFailed  TurnOutcome = "backend_failed"
	TurnOutcomeBudgetExceeded TurnOutcome = "budget_exceeded"
	TurnOutcomeFault          TurnOutcome = "fault"
	TurnOutcomeCommand        TurnOutcome = "command"
	TurnOutcomeRejected       TurnOutcome = "rejected"
)

// TurnAction is a follow-up instruction for the channel adapter.
type TurnAction string

const (
	TurnActionNone  TurnAction = ""
	TurnActionQuit  TurnAction = "quit"
	TurnActionClear TurnAction = "clear"
)
