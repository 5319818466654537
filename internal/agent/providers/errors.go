package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stewardai/steward/internal/retry"
)

// ProviderError is a structured error from a model backend. It carries the
// context needed for retry decisions and debugging.
type ProviderError struct {
	// Provider is the backend name ("anthropic", "openai", "relay").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if applicable.
	Status int

	// Code is the provider-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the provider's request ID for debugging.
	RequestID string

	// RetryAfter is the server-suggested wait, if the provider sent one.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	parts = append(parts, "["+e.Provider+"]")
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, "status="+strconv.Itoa(e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a ProviderError wrapping a cause.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// WithStatus sets the HTTP status code.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	return e
}

// WithCode sets the provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	return e
}

// WithRequestID sets the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithRetryAfter records a server-suggested backoff hint.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	e.RetryAfter = d
	return e
}

// Tagged wraps the error for the retry package: 429 becomes a rate-limit
// error carrying the retry-after hint, other retryable statuses become
// transient, remaining 4xx are permanent, and errors without a status pass
// through untagged.
func (e *ProviderError) Tagged() error {
	switch {
	case e.Status == http.StatusTooManyRequests:
		return &retry.RateLimitError{RetryAfter: e.RetryAfter, Err: e}
	case retry.RetryableStatuses[e.Status]:
		return retry.Transient(e.Status, e)
	case e.Status >= 400 && e.Status < 500:
		return retry.Permanent(e)
	default:
		return e
	}
}

// IsProviderError reports whether the chain contains a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// parseRetryAfter reads a Retry-After header value in seconds.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// statusError builds a tagged provider error for a bare HTTP status.
func statusError(provider, model string, status int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	perr := NewProviderError(provider, model, fmt.Errorf("unexpected status %d", status)).
		WithStatus(status).
		WithMessage(msg)
	return perr.Tagged()
}
