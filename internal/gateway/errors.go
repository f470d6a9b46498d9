package gateway

import (
	"fmt"
	"time"
)

// NoAvailableAccountsError is user-visible: every account is unhealthy or
// rate-limited. Wait is the shortest time until one becomes available, zero
// when no account will recover on its own.
type NoAvailableAccountsError struct {
	Wait time.Duration
}

func (e *NoAvailableAccountsError) Error() string {
	if e.Wait > 0 {
		return fmt.Sprintf("no available accounts; next account recovers in %s", e.Wait.Round(time.Second))
	}
	return "no available accounts"
}

// RateLimitError is returned when the retry budget is spent on 429 responses.
type RateLimitError struct {
	RetryAfter time.Duration
	Attempts   int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited upstream after %d attempts; retry after %s", e.Attempts, e.RetryAfter)
}

// QuotaExhaustedError records a 402 from upstream for one account.
type QuotaExhaustedError struct {
	AccountEmail string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted for account %s", e.AccountEmail)
}

// UpstreamError is any non-2xx status the dispatcher does not recover from.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// MaxRetriesExceededError wraps the last per-attempt failure once the retry
// budget is spent.
type MaxRetriesExceededError struct {
	Attempts int
	Err      error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.Err }
