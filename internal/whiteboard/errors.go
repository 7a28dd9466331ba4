package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigError is returned at construction time when required credentials or
// settings are absent. It is never retryable.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Field)
}

// AuthError covers 401/403 responses from the provider. Terminal: no layer in
// this package retries it.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider auth failed: http %d", e.StatusCode)
	}
	return fmt.Sprintf("provider auth failed: http %d: %s", e.StatusCode, e.Message)
}

// APIError is any non-2xx provider response that is not an auth or rate-limit
// failure. 5xx responses are retryable, deterministic 4xx are not.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider http %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 && e.StatusCode <= 599
}

// RateLimitError is a 429 from the provider. Always retryable; RetryAfter is
// zero when the response carried no usable Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
	}
	return "rate limit exceeded"
}

// TimeoutError is raised by the connection pool when no response arrives
// within the request window.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout after %s", e.Timeout)
}

// UnauthorizedWebhookError rejects a webhook delivery whose signature does not
// verify. The event is dropped without side effects.
type UnauthorizedWebhookError struct {
	Reason string
}

func (e *UnauthorizedWebhookError) Error() string {
	if e.Reason == "" {
		return "invalid webhook signature"
	}
	return "invalid webhook signature: " + e.Reason
}

// InvalidRequestError is a caller error surfaced before any network call.
type InvalidRequestError struct {
	Message string
}

func (e *InvalidRequestError) Error() string {
	return e.Message
}

func (e *InvalidRequestError) Is(target error) bool {
	return target == ErrInvalidInput
}

// NotImplementedError marks operations the adapter intentionally does not
// support.
type NotImplementedError struct {
	Operation string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("operation %q is not supported", e.Operation)
}

// retryableError reports whether err belongs to a transient category: rate
// limits, timeouts, 5xx responses, and transport failures. Auth and
// deterministic 4xx errors are terminal.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return true
	}
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	// Anything else from the transport layer (connection reset, DNS, EOF) is
	// assumed transient.
	return true
}
