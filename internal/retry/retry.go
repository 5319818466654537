// Package retry wraps fallible operations with bounded exponential-backoff
// retry on transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryableStatuses are the HTTP status codes treated as transient.
var RetryableStatuses = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int `yaml:"max_attempts"`
	// BaseDelay is the delay after the first failure.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay"`
	// Jitter enables randomization of delays.
	Jitter bool `yaml:"jitter"`
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Do executes the operation with retries. Only transient errors are retried;
// anything else propagates immediately.
func Do(ctx context.Context, config Config, op func() error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op()
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if !IsTransient(err) {
			result.Duration = time.Since(start)
			return result
		}
		if attempt >= config.MaxAttempts-1 {
			break
		}

		sleep := Backoff(config, attempt)
		// A rate-limit hint overrides the computed backoff.
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			sleep = rl.RetryAfter
		}

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		case <-time.After(sleep):
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func() (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func() error {
		var err error
		value, err = op()
		return err
	})
	return value, result
}

// Backoff computes min(maxDelay, baseDelay * 2^attempt), with jitter when
// configured. Attempts are zero-based.
func Backoff(config Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter {
		// delay * [0.5, 1.5]
		factor := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
		delay *= factor
		if delay > float64(config.MaxDelay) {
			delay = float64(config.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// TransientError marks an error as retryable by status code.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps an error with its originating HTTP status.
func Transient(status int, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Status: status, Err: err}
}

// RateLimitError reports a 429 with an optional retry-after hint.
type RateLimitError struct {
	// RetryAfter is the server-suggested wait before the next attempt.
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return "rate limited"
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// PermanentError is an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether an error should be retried. Rate-limit errors
// are always transient; status-tagged errors consult RetryableStatuses;
// permanently-wrapped errors never retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return RetryableStatuses[transient.Status]
	}
	return false
}
