package llm

import "errors"

// TransientError marks a failure worth retrying, such as a rate limit or
// an upstream 5xx.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }

func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps err as retryable.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a failure retrying cannot fix, such as bad credentials
// or a malformed request.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }

func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps err as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err is classified as non-retryable.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
