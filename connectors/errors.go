package connectors

import (
	"errors"
)

// ErrEndOfInput signals that a source partition is fully drained and will
// never produce another record. Tasks finish cleanly when every input
// returns it.
var ErrEndOfInput = errors.New("end of input")

// SourceError wraps errors from source readers and indicates whether the
// read can be retried.
type SourceError struct {
	Err       error
	Retryable bool
}

func (e *SourceError) Error() string {
	return e.Err.Error()
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an error as retryable.
func NewRetryableError(err error) *SourceError {
	return &SourceError{Err: err, Retryable: true}
}

// NewTerminalError wraps an error as non-retryable.
func NewTerminalError(err error) *SourceError {
	return &SourceError{Err: err, Retryable: false}
}

// IsRetryable reports whether a read should be retried. Errors not marked
// either way are retried.
func IsRetryable(err error) bool {
	var sourceErr *SourceError
	if errors.As(err, &sourceErr) {
		return sourceErr.Retryable
	}
	return true
}
