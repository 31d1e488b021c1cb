// Package apperrors defines the error taxonomy shared by the publishing
// pipeline. Caller-facing operations return these types directly; queue
// processing classifies them with CodeOf and Retryable.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	CodeValidation   Code = "validation"
	CodeAuthRequired Code = "auth_required"
	CodeRateLimited  Code = "rate_limited"
	CodeTransport    Code = "transport"
	CodeHTTP         Code = "http"
	CodeInvalidState Code = "invalid_state"
	CodeNotFound     Code = "not_found"
	CodeInternal     Code = "internal"
)

var ErrNotFound = errors.New("not found")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func Validation(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type AuthRequiredError struct {
	Platform string
	Reason   string
}

func (e *AuthRequiredError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("auth required for %s", e.Platform)
	}
	return fmt.Sprintf("auth required for %s: %s", e.Platform, e.Reason)
}

type RateLimitError struct {
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Platform, e.RetryAfter)
}

// TransportError wraps a failure below HTTP: dial, TLS, timeout, reset.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error calling %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Timeout() bool {
	var t interface{ Timeout() bool }
	return errors.As(e.Err, &t) && t.Timeout()
}

type HTTPError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("%s returned %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

type InvalidStateError struct {
	Entity string
	ID     int64
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s %d in state %q", e.Op, e.Entity, e.ID, e.State)
}

// CodeOf maps an error chain onto its taxonomy code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var (
		ve *ValidationError
		ae *AuthRequiredError
		re *RateLimitError
		te *TransportError
		he *HTTPError
		se *InvalidStateError
	)
	switch {
	case errors.As(err, &ve):
		return CodeValidation
	case errors.As(err, &ae):
		return CodeAuthRequired
	case errors.As(err, &re):
		return CodeRateLimited
	case errors.As(err, &te):
		return CodeTransport
	case errors.As(err, &he):
		return CodeHTTP
	case errors.As(err, &se):
		return CodeInvalidState
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	}
	return CodeInternal
}

// Retryable reports whether a queue item that failed with err may be tried
// again. Validation and auth failures need a human and are terminal.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeValidation, CodeAuthRequired, CodeInvalidState, CodeNotFound:
		return false
	}
	return true
}

// RetryAfter extracts the retry-after hint of a RateLimitError, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RateLimitError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}
