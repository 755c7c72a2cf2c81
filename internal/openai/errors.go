package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// APIError is a non-timeout failure reported by the OpenAI API.
// These are never retried: a request rejected by content policy or a bad
// parameter will fail identically on every attempt.
type APIError struct {
	Status  int
	Code    string
	Message string
	Cause   error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Status != 0 {
		return fmt.Sprintf("openai: %s (status %d)", e.Message, e.Status)
	}
	return "openai: " + e.Message
}

func (e *APIError) Unwrap() error { return e.Cause }

// TimeoutError is returned once every attempt of a generation call has
// timed out. It carries the attempt count and cumulative elapsed time for
// diagnostics, and wraps the last observed error.
type TimeoutError struct {
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("openai: request timed out after %d attempts (%.1fs elapsed): %v",
		e.Attempts, e.Elapsed.Seconds(), e.Last)
}

func (e *TimeoutError) Unwrap() error { return e.Last }

// IsTimeout reports whether err represents a per-attempt or exhausted
// timeout, as opposed to cancellation or a provider-side rejection.
func IsTimeout(err error) bool {
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsCanceled reports whether err stems from caller cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// retryableTimeout classifies a single-attempt error: per-attempt deadline
// hits and provider-reported timeout statuses are treated identically.
func retryableTimeout(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == 408 || ae.Status == 504
	}
	return IsTimeout(err)
}
