package ai

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured means the shared-credential path was selected but no
// shared key is configured for the provider. A deployment problem, not a
// caller problem.
var ErrNotConfigured = errors.New("shared provider credential not configured")

// AuthError means the upstream credential is missing or rejected (401).
type AuthError struct {
	Msg string
}

func (e *AuthError) Error() string {
	if e.Msg == "" {
		return "upstream credential missing or invalid"
	}
	return e.Msg
}

// RateLimitError means the provider (or our own gate) refused for quota
// reasons. RetryAfter is zero when the provider gave no hint.
type RateLimitError struct {
	Msg        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Msg == "" {
		return "rate limited"
	}
	return e.Msg
}

// UpstreamError carries a non-2xx provider response that is neither an
// auth nor a rate-limit failure. The provider's own message is preserved.
type UpstreamError struct {
	StatusCode int
	Msg        string
}

func (e *UpstreamError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("upstream provider error: status %d", e.StatusCode)
	}
	return e.Msg
}
