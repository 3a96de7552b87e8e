// ABOUTME: The turn error taxonomy: a closed set of error kinds carried on a structured TurnError.
// ABOUTME: Every failure leaving the scheduler is one of these kinds; internal wraps the unexpected.

package pipeline

import "fmt"

// ErrorKind is the closed set of failure classes a turn can surface.
type ErrorKind string

const (
	KindBadRequest     ErrorKind = "bad_request"
	KindPolicyDenied   ErrorKind = "policy_denied"
	KindBlockerPending ErrorKind = "blocker_pending"
	KindPhaseFailed    ErrorKind = "phase_failed"
	KindTimeout        ErrorKind = "timeout"
	KindCancelled      ErrorKind = "cancelled"
	KindInternal       ErrorKind = "internal"
)

// TurnError is a structured turn failure: which phase, what kind, and why.
type TurnError struct {
	Kind   ErrorKind
	Phase  Phase
	Reason string
}

func (e *TurnError) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s in %s: %s", e.Kind, e.Phase, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

// failf builds a TurnError with a formatted reason.
func failf(kind ErrorKind, phase Phase, format string, args ...any) *TurnError {
	return &TurnError{Kind: kind, Phase: phase, Reason: fmt.Sprintf(format, args...)}
}

// UserMessage renders the error as the human-readable response text served on
// the poll surface when an async turn fails.
func (e *TurnError) UserMessage() string {
	switch e.Kind {
	case KindCancelled:
		return "The request was cancelled before it finished."
	case KindTimeout:
		return fmt.Sprintf("The request timed out during the %s phase.", e.Phase)
	case KindPolicyDenied:
		return "The request needed an action the current policy does not allow: " + e.Reason
	default:
		return fmt.Sprintf("The request failed during the %s phase: %s", e.Phase, e.Reason)
	}
}
