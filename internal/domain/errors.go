package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies failures that may surface during a turn.
type ErrorKind string

const (
	KindBackendUnavailable       ErrorKind = "backend_unavailable"
	KindBackendRateLimited       ErrorKind = "backend_rate_limited"
	KindBackendMalformedResponse ErrorKind = "backend_malformed_response"
	KindBackendAuthFailed        ErrorKind = "backend_auth_failed"
	KindBackendTimeout           ErrorKind = "backend_timeout"
	KindToolDenied               ErrorKind = "tool_denied"
	KindToolExecutionFailed      ErrorKind = "tool_execution_failed"
	KindToolTimeout              ErrorKind = "tool_timeout"
	KindToolNotFound             ErrorKind = "tool_not_found"
	KindTurnBudgetExceeded       ErrorKind = "turn_budget_exceeded"
	KindAmbiguousIntent          ErrorKind = "ambiguous_intent"
	KindInternal                 ErrorKind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	// RetryAfter is the backend-suggested wait for rate limited calls.
	RetryAfter time.Duration
	Err        error
}

// E builds a classified error.
func E(kind ErrorKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Op, msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same kind, so sentinel kinds work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Message == ""
}

// Sentinels for errors.Is comparisons by kind.
var (
	ErrBackendUnavailable       = &Error{Kind: KindBackendUnavailable}
	ErrBackendRateLimited       = &Error{Kind: KindBackendRateLimited}
	ErrBackendMalformedResponse = &Error{Kind: KindBackendMalformedResponse}
	ErrBackendAuthFailed        = &Error{Kind: KindBackendAuthFailed}
	ErrBackendTimeout           = &Error{Kind: KindBackendTimeout}
	ErrToolDenied               = &Error{Kind: KindToolDenied}
	ErrToolExecutionFailed      = &Error{Kind: KindToolExecutionFailed}
	ErrToolTimeout              = &Error{Kind: KindToolTimeout}
	ErrToolNotFound             = &Error{Kind: KindToolNotFound}
	ErrTurnBudgetExceeded       = &Error{Kind: KindTurnBudgetExceeded}
	ErrAmbiguousIntent          = &Error{Kind: KindAmbiguousIntent}
)

// KindOf returns the kind of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsTransient reports whether err is worth one more attempt.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindBackendUnavailable, KindBackendRateLimited:
		return true
	}
	return false
}

// RetryAfterOf returns the suggested retry delay carried by err.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
