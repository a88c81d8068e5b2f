package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// RateLimitError marks a provider response that should be retried with
// exponential backoff.
type RateLimitError struct {
	err error
}

func (e *RateLimitError) Error() string { return e.err.Error() }
func (e *RateLimitError) Unwrap() error { return e.err }

// NewRateLimitError wraps an error as a retryable rate-limit failure.
func NewRateLimitError(err error) error {
	return &RateLimitError{err: err}
}

// IsRateLimit reports whether the error chain contains a rate-limit failure.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// FatalError marks a provider failure that must not be retried at all
// (bad credentials, malformed request).
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as non-retryable.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsFatal reports whether the error chain contains a fatal failure.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ClassifyHTTPStatus wraps an API error according to its HTTP status:
// 429 is a rate limit, auth and bad-request failures are fatal, everything
// else is left plain (retried once by the executor).
func ClassifyHTTPStatus(statusCode int, msg string) error {
	err := fmt.Errorf("provider API error (status %d): %s", statusCode, msg)
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(err)
	case statusCode == http.StatusUnauthorized,
		statusCode == http.StatusForbidden,
		statusCode == http.StatusBadRequest:
		return NewFatalError(err)
	default:
		return err
	}
}
