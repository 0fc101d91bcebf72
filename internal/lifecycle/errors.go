package lifecycle

import (
	"errors"
	"fmt"

	"github.com/example/roadside-assist/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAssignmentConflict is returned to the losing side of a concurrent
	// assignment. Callers should refetch rather than retry.
	ErrAssignmentConflict = errors.New("request already has a provider")
	// ErrSettlementInitiationFailed never undoes the customer's confirmation;
	// the request stays in awaiting_confirmation for manual settlement.
	ErrSettlementInitiationFailed = errors.New("settlement initiation failed")
	ErrNotPermitted               = errors.New("actor not permitted")
	ErrInvalidInput               = errors.New("invalid input")
	ErrPaymentProcessor           = errors.New("payment processor unavailable")
	ErrInconsistentState          = errors.New("request fields do not match its status")
)

// TransitionError describes a rejected edge. It matches ErrInvalidTransition
// and, when set, the underlying cause.
type TransitionError struct {
	From   models.Status
	To     models.Status
	Reason string
	Err    error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move request from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInvalidTransition}
	}
	return []error{ErrInvalidTransition, e.Err}
}

func invalid(from, to models.Status, format string, args ...any) *TransitionError {
	return &TransitionError{From: from, To: to, Reason: fmt.Sprintf(format, args...)}
}
