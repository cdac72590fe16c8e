package dotysync

import (
	"fmt"
	"time"
)

// AuthError means the provider rejected our credentials and a refresh did not
// help. The config is moved to needs_reauthorization when one surfaces.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("dotypos auth error: %s", e.Reason)
}

// RateLimitError means a request could not be admitted within the caller's
// wait budget, or the provider answered 429.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("dotypos rate limit exceeded, retry after %s", e.RetryAfter)
}

// ApiError is any non-2xx provider response that is not an auth or rate
// limit failure.
type ApiError struct {
	StatusCode int
	Body       string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("dotypos api error %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is transient. 5xx responses are
// retried; 4xx responses will fail the same way again.
func (e *ApiError) Retryable() bool {
	return e.StatusCode >= 500
}

// MappingError means a provider payload could not be translated, usually a
// missing required field. Never retryable without a changed payload.
type MappingError struct {
	EntityType string
	ExternalId string
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map %s %s: %s", e.EntityType, e.ExternalId, e.Reason)
}

// UnmappedPaymentMethodError flags a payment whose method has no journal
// mapping and no default fallback.
type UnmappedPaymentMethodError struct {
	Method string
}

func (e *UnmappedPaymentMethodError) Error() string {
	return fmt.Sprintf("no journal mapping for payment method %q", e.Method)
}

// SignatureError rejects a webhook whose HMAC signature does not verify.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("webhook signature rejected: %s", e.Reason)
}
