package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrPolicyViolation is an attempt to auto-execute a tool in the
	// never-auto-execute set. Never retried.
	ErrPolicyViolation = errors.New("tool may not auto-execute")

	// ErrDuplicateAction is a second gate raised on a task that already has
	// an open pending action.
	ErrDuplicateAction = errors.New("task already has an open pending action")

	// ErrExpiredGate is a resume attempt outside the instance's resume
	// window.
	ErrExpiredGate = errors.New("gate resume window expired")

	// ErrConcurrencyConflict means another driver holds the instance claim.
	ErrConcurrencyConflict = errors.New("instance is claimed by another driver")

	// ErrNotEligible is an accept-graduation call on a record that has not
	// earned the offer.
	ErrNotEligible = errors.New("graduation not eligible")

	// ErrManualOverride means the owning task is paused under take-control
	// and the instance must not advance.
	ErrManualOverride = errors.New("task is under manual control")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// ToolExecutionError wraps a failed tool invocation. It is resolved locally
// at the step boundary and never propagates raw to workflow callers.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
