package fetcher

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Fetch wraps exactly one of these,
// so callers can classify failures with errors.Is.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrNetwork          = errors.New("network failure")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrFilesystem       = errors.New("filesystem failure")
)

// Error is a classified fetch failure carrying the final underlying cause.
type Error struct {
	Kind error
	Err  error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Err.Error()
	}
	return e.Kind.Error()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is this error's kind
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// NewError creates a classified error wrapping cause
func NewError(kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Kind returns the failure kind of err, or nil if err carries none.
func KindOf(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return nil
}

// retryableError marks a transient failure that should consume a retry.
type retryableError struct {
	Err error
}

// Error returns the error message
func (e *retryableError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "retryable error"
}

// Unwrap returns the underlying error
func (e *retryableError) Unwrap() error {
	return e.Err
}

// newRetryableError creates a new retryable error
func newRetryableError(err error) *retryableError {
	return &retryableError{Err: err}
}

// isRetryable returns true if the error should consume a retry
func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// ChecksumError reports a digest that did not match the expected value.
type ChecksumError struct {
	Expected string
	Actual   string
}

// Error returns the error message
func (e *ChecksumError) Error() string {
	return fmt.Sprintf("expected sha256 %s, got %s", e.Expected, e.Actual)
}

// statusError reports an unexpected HTTP response status.
type statusError struct {
	Status int
}

// Error returns the error message
func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}

// finalError classifies the last attempt failure once retries are exhausted.
// Retryable wrappers are stripped so the caller sees the real cause.
func finalError(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	var re *retryableError
	if errors.As(err, &re) && re.Err != nil {
		err = re.Err
	}
	var ce *ChecksumError
	if errors.As(err, &ce) {
		return NewError(ErrChecksumMismatch, err)
	}
	return NewError(ErrNetwork, err)
}
