package routing

import (
	"fmt"
	"time"
)

// ErrorCategory classifies provider failures. The category decides
// both the key state transition and whether the executor retries with
// a different key.
type ErrorCategory string

const (
	ErrAuthentication ErrorCategory = "authentication" // key invalid or revoked
	ErrRateLimit      ErrorCategory = "rate_limit"     // per-key throttle
	ErrQuotaExceeded  ErrorCategory = "quota_exceeded" // billing or hard quota spent
	ErrProvider       ErrorCategory = "provider"       // provider-side 5xx
	ErrNetwork        ErrorCategory = "network"        // connection failures
	ErrTimeout        ErrorCategory = "timeout"        // deadline exceeded
	ErrValidation     ErrorCategory = "validation"     // malformed request
	ErrBudget         ErrorCategory = "budget"         // denied by a hard budget
	ErrUnknown        ErrorCategory = "unknown"
)

// Retryable reports whether the executor may fail over to another key
// after an error of this category. Authentication and quota errors are
// not: both surface immediately, and the state transition they trigger
// keeps the bad key out of the next request's candidate set.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrRateLimit, ErrProvider, ErrNetwork:
		return true
	}
	return false
}

// SystemError is the normalized error every adapter maps provider
// failures into.
type SystemError struct {
	Category     ErrorCategory `json:"category"`
	Message      string        `json:"message"`
	ProviderCode string        `json:"provider_code,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	Err          error         `json:"-"`
}

func (e *SystemError) Error() string {
	if e.ProviderCode != "" {
		return fmt.Sprintf("routing: %s (%s): %s", e.Category, e.ProviderCode, e.Message)
	}
	return fmt.Sprintf("routing: %s: %s", e.Category, e.Message)
}

func (e *SystemError) Unwrap() error { return e.Err }

// Retryable reports whether failover may help.
func (e *SystemError) Retryable() bool { return e.Category.Retryable() }

// NoEligibleKeysError means no key can currently serve the provider.
// RetryAfter hints when the earliest cooldown expires.
type NoEligibleKeysError struct {
	Provider   string
	RetryAfter time.Duration
	Detail     string
}

func (e *NoEligibleKeysError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("routing: no eligible keys for provider %s: %s", e.Provider, e.Detail)
	}
	return fmt.Sprintf("routing: no eligible keys for provider %s", e.Provider)
}

// AttemptsExhaustedError means every failover attempt failed. LastErr
// is the error from the final attempt.
type AttemptsExhaustedError struct {
	Provider string
	Attempts int
	LastErr  error
}

func (e *AttemptsExhaustedError) Error() string {
	return fmt.Sprintf("routing: all %d attempts failed for provider %s: %v", e.Attempts, e.Provider, e.LastErr)
}

func (e *AttemptsExhaustedError) Unwrap() error { return e.LastErr }
