package domain

import (
	"errors"
	"fmt"
)

// The action/step error kinds a handler or step callback can signal. Each
// is a distinct Go type rather than a sentinel so a cause chain can be
// inspected with errors.As.

// NonRetriableError signals that retrying the step or action is futile. It
// also matches when wrapped as a cause anywhere in an error chain — see
// IsNonRetriable.
type NonRetriableError struct {
	Reason string
	Cause  error
}

func NewNonRetriable(reason string, cause error) *NonRetriableError {
	return &NonRetriableError{Reason: reason, Cause: cause}
}

func (e *NonRetriableError) Error() string {
	if e.Reason == "" {
		return "duron: non-retriable error"
	}
	return "duron: non-retriable: " + e.Reason
}

func (e *NonRetriableError) Unwrap() error { return e.Cause }
func (e *NonRetriableError) Name() string  { return "NonRetriableError" }

// IsNonRetriable reports whether err is, or transitively carries, a
// NonRetriableError.
func IsNonRetriable(err error) bool {
	var nr *NonRetriableError
	return errors.As(err, &nr)
}

// PanicError captures a recovered panic from an action handler or step
// callback, including the goroutine stack at the recovery point. A panic
// bypasses retry the same way a NonRetriableError does.
type PanicError struct {
	Value any
	Stack string
}

func NewPanic(value any, stack []byte) *PanicError {
	return &PanicError{Value: value, Stack: string(stack)}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("duron: panic: %v", e.Value)
}

func (e *PanicError) Name() string { return "Panic" }

// StackTrace exposes the captured stack so Serialise can persist it.
func (e *PanicError) StackTrace() string { return e.Stack }

// IsPanic reports whether err is a PanicError.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}

// TimeoutScope distinguishes which lease expired.
type TimeoutScope string

const (
	TimeoutScopeAction TimeoutScope = "action"
	TimeoutScopeStep   TimeoutScope = "step"
)

// TimeoutError fires when an action's or a step's expiry timer elapses
// before the handler/callback returns.
type TimeoutError struct {
	Scope     TimeoutScope
	TimeoutMs int64
}

func NewActionTimeout(timeoutMs int64) *TimeoutError {
	return &TimeoutError{Scope: TimeoutScopeAction, TimeoutMs: timeoutMs}
}

func NewStepTimeout(timeoutMs int64) *TimeoutError {
	return &TimeoutError{Scope: TimeoutScopeStep, TimeoutMs: timeoutMs}
}

func (e *TimeoutError) Error() string {
	return "duron: " + string(e.Scope) + " timeout"
}

func (e *TimeoutError) Name() string {
	if e.Scope == TimeoutScopeStep {
		return "StepTimeout"
	}
	return "ActionTimeout"
}

// IsTimeout reports whether err is a TimeoutError, optionally narrowing to
// a specific scope (pass "" to match either).
func IsTimeout(err error, scope TimeoutScope) bool {
	var te *TimeoutError
	if !errors.As(err, &te) {
		return false
	}
	return scope == "" || te.Scope == scope
}

// CancelError is raised when a job's action signal is explicitly aborted,
// either by a caller's cancelJob or by the handler itself.
type CancelError struct {
	Reason string
}

func NewActionCancel(reason string) *CancelError {
	return &CancelError{Reason: reason}
}

func (e *CancelError) Error() string {
	if e.Reason == "" {
		return "duron: action cancelled"
	}
	return "duron: action cancelled: " + e.Reason
}

func (e *CancelError) Name() string { return "ActionCancel" }

// IsCancel reports whether err is a CancelError.
func IsCancel(err error) bool {
	var ce *CancelError
	return errors.As(err, &ce)
}

// StepAlreadyExecutedError fires when a handler invokes step() twice with
// the same name in one invocation.
type StepAlreadyExecutedError struct {
	Name_ string
}

func NewStepAlreadyExecuted(name string) *StepAlreadyExecutedError {
	return &StepAlreadyExecutedError{Name_: name}
}

func (e *StepAlreadyExecutedError) Error() string {
	return "duron: step already executed: " + e.Name_
}

func (e *StepAlreadyExecutedError) Name() string { return "StepAlreadyExecuted" }

// IsStepAlreadyExecuted reports whether err is a StepAlreadyExecutedError.
func IsStepAlreadyExecuted(err error) bool {
	var sa *StepAlreadyExecutedError
	return errors.As(err, &sa)
}

// ValidationError fires when input or output failed the action's schema.
type ValidationError struct {
	Subject string // "input" or "output"
	Cause   error
}

func NewValidation(subject string, cause error) *ValidationError {
	return &ValidationError{Subject: subject, Cause: cause}
}

func (e *ValidationError) Error() string {
	return "duron: " + e.Subject + " validation failed: " + e.Cause.Error()
}

func (e *ValidationError) Unwrap() error { return e.Cause }
func (e *ValidationError) Name() string  { return "Validation" }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientStoreError wraps a generic failure from a Store operation. It is
// retryable at the step level (subject to the step's own retry policy) and
// is swallowed-and-logged by the pull loop so sync continues.
type TransientStoreError struct {
	Op    string
	Cause error
}

func NewTransientStore(op string, cause error) *TransientStoreError {
	return &TransientStoreError{Op: op, Cause: cause}
}

func (e *TransientStoreError) Error() string {
	return "duron: store op " + e.Op + " failed: " + e.Cause.Error()
}

func (e *TransientStoreError) Unwrap() error { return e.Cause }
func (e *TransientStoreError) Name() string  { return "TransientStore" }

// IsTransientStore reports whether err is a TransientStoreError.
func IsTransientStore(err error) bool {
	var tse *TransientStoreError
	return errors.As(err, &tse)
}

// IsRetryable reports whether err should be subject to the step retry
// machinery at all: NonRetriable, any error carrying a non-retriable
// cause, recovered panics, ActionCancel, and ActionTimeout/StepTimeout
// all bypass retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNonRetriable(err) || IsPanic(err) || IsCancel(err) || IsTimeout(err, "") || IsStepAlreadyExecuted(err) || IsValidation(err) {
		return false
	}
	return true
}
