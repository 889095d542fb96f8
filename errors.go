package saga

import (
	"errors"
	"fmt"
)

// ChecksumMismatchError is returned when a saga is resubmitted under an
// existing id with different inputs. It is a user error and never retried.
type ChecksumMismatchError struct {
	SagaID   string
	Stored   string
	Provided string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("saga %s: provided inputs checksum (%s) does not match original stored checksum (%s)",
		e.SagaID, e.Provided, e.Stored)
}

// StepExecutionError wraps an error returned (or a panic raised) by a step
// function. It is retryable unless the cause was marked with Permanent.
type StepExecutionError struct {
	SagaID  string
	StepID  string
	Attempt int
	Err     error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("saga %s: step %s failed (attempt %d): %v", e.SagaID, e.StepID, e.Attempt, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}

// FatalPolicyError is returned when an interceptor vetoes a saga. The saga is
// left TERMINAL_FATAL and cannot be resumed.
type FatalPolicyError struct {
	SagaID string
	StepID string
	Reason string
}

func (e *FatalPolicyError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "no reason provided"
	}
	if e.StepID == "" {
		return fmt.Sprintf("saga %s failed permanently: %s", e.SagaID, reason)
	}
	return fmt.Sprintf("saga %s failed permanently at step %s: %s", e.SagaID, e.StepID, reason)
}

// StateAccessKind distinguishes the two ways a typed state lookup can fail.
type StateAccessKind int

const (
	KeyNotFound StateAccessKind = iota
	TypeMismatch
)

// StateAccessError signals that a required persisted key is missing or holds a
// value of an unexpected shape.
type StateAccessError struct {
	Key  string
	Kind StateAccessKind
	Want string
	Got  string
}

func (e *StateAccessError) Error() string {
	if e.Kind == TypeMismatch {
		return fmt.Sprintf("state value for '%s' is of type '%s' but '%s' was requested", e.Key, e.Got, e.Want)
	}
	return fmt.Sprintf("required state key '%s' not found", e.Key)
}

// ResultAssemblyError wraps a failure of the caller's result function.
type ResultAssemblyError struct {
	SagaID string
	Err    error
}

func (e *ResultAssemblyError) Error() string {
	return fmt.Sprintf("saga %s: result function failed to produce a result: %v", e.SagaID, e.Err)
}

func (e *ResultAssemblyError) Unwrap() error {
	return e.Err
}

// MissingStepFuncError is returned when a stored step cannot be re-attached to
// a function, either from the submitted saga or from a StepRegistry.
type MissingStepFuncError struct {
	SagaID string
	StepID string
}

func (e *MissingStepFuncError) Error() string {
	return fmt.Sprintf("saga %s: no function registered for step %s", e.SagaID, e.StepID)
}

// permanentError marks a step error as not worth retrying.
type permanentError struct {
	error
}

func (e *permanentError) Unwrap() error {
	return e.error
}

// Permanent wraps err so that the engine does not retry the failed step.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// IsRetryable reports whether err should cause the engine to re-drive the
// saga. Only step execution failures are retryable, and only when the cause
// is neither marked with Permanent nor a StateAccessError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var access *StateAccessError
	if errors.As(err, &access) {
		return false
	}
	var stepErr *StepExecutionError
	return errors.As(err, &stepErr)
}
