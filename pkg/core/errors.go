package core

import (
	"context"
	"errors"
	"fmt"
)

// Store and validation errors
var (
	ErrNotFound          = errors.New("analysis: job not found")
	ErrConflict          = errors.New("analysis: conditional write precondition failed")
	ErrDuplicateJob      = errors.New("analysis: a non-terminal job already exists for this owner and subject")
	ErrJobTerminal       = errors.New("analysis: job already reached a terminal status")
	ErrStageOrder        = errors.New("analysis: completed stages are not a prefix of the declared sequence")
	ErrUnknownStage      = errors.New("analysis: stage not declared in the sequence")
	ErrInvalidOwnerID    = errors.New("analysis: invalid owner id")
	ErrOwnerIDTooLong    = errors.New("analysis: owner id too long")
	ErrInvalidSubjectRef = errors.New("analysis: invalid subject reference")
	ErrSubjectRefTooLong = errors.New("analysis: subject reference too long")
)

// TransientError marks a stage failure as retryable. The runner retries
// up to its attempt bound; exceeding the bound converts the failure into
// a terminal one.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error to mark it retryable.
func Transient(err error) error {
	return &TransientError{Err: err}
}

// FatalError marks a stage failure as non-retryable. The job transitions
// to failed and no further stages run.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal wraps an error to mark it non-retryable.
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// IsFatal reports whether the error should terminate the job without
// further attempts.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRetryable classifies a stage error. Timeouts and unclassified
// external failures default to retryable; explicit FatalError and
// caller cancellation do not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
