// Package gateway is the dispatch layer: it picks an account, keeps its
// token fresh, posts the translated request upstream, and turns the
// 401/402/403/429 status vocabulary into account state transitions and
// bounded retries.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
	translator "github.com/opencode-kiro/kiro-gateway/internal/translator/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/usage"
)

const (
	defaultMaxRetries     = 3
	defaultRetryDelay     = 5 * time.Second
	defaultRequestTimeout = 120 * time.Second

	// accessTokenBuffer forces an inline refresh when the token is within
	// a minute of expiry.
	accessTokenBuffer = 60 * time.Second

	defaultRetryAfter = 60 * time.Second
)

// upstreamPattern matches the Q inference endpoints. Anything else is not
// ours to dispatch.
var upstreamPattern = regexp.MustCompile(`^https?://q\.[a-z0-9-]+\.amazonaws\.com`)

// IsUpstreamURL reports whether the dispatcher owns requests to this URL.
func IsUpstreamURL(raw string) bool {
	return upstreamPattern.MatchString(raw)
}

// Options tunes the dispatcher. Zero values take the defaults.
type Options struct {
	MaxRetries     int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	ThinkingBudget int
	UsageTracking  bool
}

// Dispatcher drives the retry loop over the account fleet.
type Dispatcher struct {
	manager    *account.Manager
	oidc       *kiroauth.SSOOIDCClient
	tracker    *usage.Tracker
	httpClient *http.Client
	opts       Options

	// sleep is replaced in tests.
	sleep func(time.Duration)
}

// NewDispatcher wires the dispatcher. tracker may be nil when usage tracking
// is disabled; httpClient nil gets a client with the request timeout.
func NewDispatcher(manager *account.Manager, oidc *kiroauth.SSOOIDCClient, tracker *usage.Tracker, httpClient *http.Client, opts Options) *Dispatcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.RequestTimeout}
	}
	return &Dispatcher{
		manager:    manager,
		oidc:       oidc,
		tracker:    tracker,
		httpClient: httpClient,
		opts:       opts,
		sleep:      time.Sleep,
	}
}

// Result is a successful dispatch: a 2xx upstream response with its body
// still open, plus the account and prepared request that produced it.
type Result struct {
	Response *http.Response
	Account  *account.Account
	Prepared *translator.Prepared
}

// Dispatch runs one chat-completion body through the retry loop. The caller
// owns Result.Response.Body.
func (d *Dispatcher) Dispatch(ctx context.Context, model string, body []byte) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt < d.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		acc := d.manager.SelectForRequest()
		if acc == nil {
			return nil, &NoAvailableAccountsError{Wait: d.manager.MinWaitTime()}
		}

		if acc.AccessTokenExpired(accessTokenBuffer) {
			fresh, err := d.manager.RefreshAccount(ctx, d.oidc, acc.ID)
			if err != nil {
				var tre *kiroauth.TokenRefreshError
				if errors.As(err, &tre) && tre.Terminal() {
					// account already removed; try the next one
					log.Warnf("dispatcher: dropping account %s: %v", acc.DisplayEmail(), err)
					lastErr = err
					continue
				}
				return nil, err
			}
			acc = fresh
		}

		prepared, err := translator.BuildRequest(body, model, translator.Auth{
			AccessToken: acc.AccessToken,
			Region:      acc.Region,
			ProfileArn:  acc.ProfileArn,
			ClientID:    acc.ClientID,
		}, translator.Options{ThinkingBudget: d.opts.ThinkingBudget})
		if err != nil {
			return nil, err
		}

		resp, err := d.post(ctx, prepared)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.Warnf("dispatcher: network error on attempt %d: %v", attempt+1, err)
			lastErr = err
			d.sleep(d.opts.RetryDelay * (1 << attempt))
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if d.opts.UsageTracking && d.tracker != nil {
				go func(id string) {
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					defer cancel()
					if err := d.tracker.Sync(ctx, id); err != nil {
						log.Debugf("dispatcher: usage sync for %s: %v", id, err)
					}
				}(acc.ID)
			}
			return &Result{Response: resp, Account: acc, Prepared: prepared}, nil
		}

		snippet := readSnippet(resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusUnauthorized:
			if attempt > 0 {
				return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: snippet}
			}
			log.Infof("dispatcher: 401 for %s, forcing token refresh", acc.DisplayEmail())
			if _, err := d.manager.RefreshAccount(ctx, d.oidc, acc.ID); err != nil {
				var tre *kiroauth.TokenRefreshError
				if errors.As(err, &tre) && tre.Terminal() {
					lastErr = err
					continue
				}
				return nil, err
			}
			lastErr = &UpstreamError{StatusCode: resp.StatusCode, Body: snippet}
			continue

		case http.StatusPaymentRequired:
			recovery := account.NextUTCMonth(time.Now()).UnixMilli()
			d.manager.MarkUnhealthy(acc.ID, account.ReasonQuotaExhausted, recovery)
			log.Warnf("dispatcher: quota exhausted for %s, recovers %s",
				acc.DisplayEmail(), account.NextUTCMonth(time.Now()).Format(time.RFC3339))
			lastErr = &QuotaExhaustedError{AccountEmail: acc.DisplayEmail()}
			continue

		case http.StatusForbidden:
			d.manager.MarkUnhealthy(acc.ID, account.ReasonForbidden, 0)
			log.Warnf("dispatcher: 403 for %s, account quarantined", acc.DisplayEmail())
			lastErr = &UpstreamError{StatusCode: resp.StatusCode, Body: snippet}
			continue

		case http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
			d.manager.MarkRateLimited(acc.ID, retryAfter)
			log.Warnf("dispatcher: 429 for %s, reset in %s", acc.DisplayEmail(), retryAfter)
			lastErr = &RateLimitError{RetryAfter: retryAfter, Attempts: attempt + 1}
			d.sleep(d.opts.RetryDelay)
			continue

		default:
			return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: snippet}
		}
	}

	var rle *RateLimitError
	if errors.As(lastErr, &rle) {
		rle.Attempts = d.opts.MaxRetries
		return nil, rle
	}
	return nil, &MaxRetriesExceededError{Attempts: d.opts.MaxRetries, Err: lastErr}
}

func (d *Dispatcher) post(ctx context.Context, prepared *translator.Prepared) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, prepared.Method, prepared.URL, bytes.NewReader(prepared.Body))
	if err != nil {
		return nil, err
	}
	req.Header = prepared.Headers.Clone()
	return d.httpClient.Do(req)
}

// parseRetryAfter reads the delay-seconds form of the header.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}

func readSnippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 2048))
	return string(b)
}
