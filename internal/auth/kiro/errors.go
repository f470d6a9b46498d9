package kiro

import (
	"errors"
	"fmt"
)

// Sentinel errors returned while polling the device token endpoint.
var (
	// ErrAuthorizationPending indicates the user has not completed authorization yet.
	ErrAuthorizationPending = errors.New("authorization_pending")

	// ErrSlowDown indicates the client should add 5 seconds to its polling interval.
	ErrSlowDown = errors.New("slow_down")

	// ErrExpiredToken indicates the device code has expired.
	ErrExpiredToken = errors.New("expired_token")

	// ErrAccessDenied indicates the user denied the authorization request.
	ErrAccessDenied = errors.New("access_denied")

	// ErrPollTimeout indicates the polling attempt budget was exhausted.
	ErrPollTimeout = errors.New("device authorization timed out")
)

// Token refresh error codes. HTTP failures without a structured error body
// use the "HTTP_<status>" form instead.
const (
	RefreshCodeInvalidGrant       = "invalid_grant"
	RefreshCodeMissingCredentials = "MISSING_CREDENTIALS"
	RefreshCodeNetworkError       = "NETWORK_ERROR"
	RefreshCodeInvalidResponse    = "INVALID_RESPONSE"
)

// TokenRefreshError reports a failed token refresh. Code carries the OAuth
// error string when the endpoint returned one, or one of the RefreshCode
// constants / "HTTP_<status>" otherwise.
type TokenRefreshError struct {
	Code    string
	Message string
	Err     error
}

func (e *TokenRefreshError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("token refresh failed (%s): %s", e.Code, e.Message)
	}
	return fmt.Sprintf("token refresh failed (%s)", e.Code)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

// Terminal reports whether the refresh token itself is dead and the
// owning account should be removed rather than retried.
func (e *TokenRefreshError) Terminal() bool {
	return e.Code == RefreshCodeInvalidGrant
}

// Retriable reports whether a later attempt may succeed.
func (e *TokenRefreshError) Retriable() bool {
	return e.Code == RefreshCodeNetworkError
}

// AuthError reports an authentication failure observed while talking to the
// inference endpoints. A 401 status is recoverable through a forced refresh.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("authentication failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

// Recoverable reports whether the dispatcher may refresh and retry.
func (e *AuthError) Recoverable() bool { return e.StatusCode == 401 }
