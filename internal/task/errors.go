package task

import (
	"errors"
	"fmt"
)

var (
	// ErrContractViolation marks an input or output that does not satisfy
	// the shape the next task requires
	ErrContractViolation = errors.New("task contract violation")

	// ErrUnsupportedMedia marks a source that is not a supported video
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// Error codes carried by *Error
const (
	CodeContractViolation = "ContractViolation"
	CodeUnsupportedMedia  = "UnsupportedMedia"
	CodeSourceNotFound    = "SourceNotFound"
	CodeMalformedOutput   = "MalformedOutput"
	CodeRejected          = "ServiceRejected"
	CodeTransient         = "TransientFailure"
)

// Error is a failed task invocation
type Error struct {
	Task      Name
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Task, e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the hosting layer may retry the failed call.
// Errors that are not task errors are never retried.
func IsRetryable(err error) bool {
	var taskErr *Error
	if errors.As(err, &taskErr) {
		return taskErr.Retryable
	}
	return false
}

func contractError(name Name, side string, err error) *Error {
	return &Error{
		Task: name,
		Code: CodeContractViolation,
		Err:  fmt.Errorf("%s %s: %w: %v", name, side, ErrContractViolation, err),
	}
}
