package router

import (
	"errors"

	"github.com/xiaot623/aiva/internal/domain"
)

// Explain turns a classified failure into the sentence shown to the user.
func Explain(err error) string {
	var e *domain.Error
	if errors.As(err, &e) && (e.Kind == domain.KindAmbiguousIntent || e.Kind == domain.KindToolDenied) && e.Message != "" {
		return e.Message
	}
	switch domain.KindOf(err) {
	case domain.KindBackendUnavailable:
		return "The AI backend is not reachable right now. Please try again in a moment."
	case domain.KindBackendRateLimited:
		return "The AI backend is rate limiting requests. Please try again shortly."
	case domain.KindBackendAuthFailed:
		return "The AI backend rejected the configured credentials. Check the API key."
	case domain.KindBackendMalformedResponse:
		return "The AI backend returned a response I could not understand."
	case domain.KindBackendTimeout:
		return "The AI backend did not answer in time."
	case domain.KindToolTimeout:
		return "The tool did not finish in time."
	case domain.KindToolExecutionFailed:
		return "The tool failed to run."
	case domain.KindToolNotFound:
		return "Tool not found"
	case domain.KindTurnBudgetExceeded:
		return "This request took too long and was stopped."
	case domain.KindAmbiguousIntent:
		return "I'm not sure what you mean. Could you rephrase?"
	}
	return "Generation failed"
}

func outcomeFor(kind domain.ErrorKind) domain.TurnOutcome {
	switch kind {
	case domain.KindBackendUnavailable, domain.KindBackendRateLimited, domain.KindBackendAuthFailed,
		domain.KindBackendMalformedResponse, domain.KindBackendTimeout:
		return domain.TurnOutcomeBackendFailed
	case domain.KindToolDenied:
		return domain.TurnOutcomeDenied
	case domain.KindToolExecutionFailed, domain.KindToolTimeout, domain.KindToolNotFound:
		return domain.TurnOutcomeToolFailed
	case domain.KindTurnBudgetExceeded:
		return domain.TurnOutcomeBudgetExceeded
	case domain.KindAmbiguousIntent:
		return domain.TurnOutcomeClarification
	}
	return domain.TurnOutcomeFault
}
