// File: internal/agent/errors.go
package agent

import (
	"errors"
	"fmt"
)

// ErrorCode classifies recoverable action failures.
type ErrorCode string

const (
	ErrCodeElementNotFound   ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeTimeoutError      ErrorCode = "TIMEOUT_ERROR"
	ErrCodeNavigationError   ErrorCode = "NAVIGATION_ERROR"
	ErrCodeScriptError       ErrorCode = "SCRIPT_ERROR"
	ErrCodeInvalidParameters ErrorCode = "INVALID_PARAMETERS"
	ErrCodeExecutorPanic     ErrorCode = "EXECUTOR_PANIC"
)

var (
	// ErrEmptyCommand is returned by the intake for blank task strings.
	ErrEmptyCommand = errors.New("command is empty")
	// ErrStepBudgetExhausted ends a task that used all of its steps.
	ErrStepBudgetExhausted = errors.New("step budget exhausted")
	// ErrWorkerStopped is returned when a page job is submitted after shutdown.
	ErrWorkerStopped = errors.New("page worker stopped")
)

// ActionError is a failure applying one action to the page. It is fed back to
// the model as part of the next observation.
type ActionError struct {
	Code   ErrorCode
	Action ActionType
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Action, e.Code, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// DecisionErrorKind separates transport failures from unusable replies.
type DecisionErrorKind string

const (
	DecisionService DecisionErrorKind = "service"
	DecisionParse   DecisionErrorKind = "parse"
)

// DecisionError ends the current task session.
type DecisionError struct {
	Kind DecisionErrorKind
	Err  error
}

func (e *DecisionError) Error() string {
	if e.Kind == DecisionParse {
		return fmt.Sprintf("Failed to parse LLM response: %v", e.Err)
	}
	return e.Err.Error()
}

func (e *DecisionError) Unwrap() error { return e.Err }

// ActionDecodeError describes why a reply is not a valid action.
type ActionDecodeError struct {
	Reason string
}

func (e *ActionDecodeError) Error() string { return e.Reason }

func decodeErrorf(format string, args ...any) error {
	return &ActionDecodeError{Reason: fmt.Sprintf(format, args...)}
}
