package kiro

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	oidcClientName = "Kiro IDE"
	oidcClientType = "public"

	deviceCodeGrantType   = "urn:ietf:params:oauth:grant-type:device_code"
	refreshTokenGrantType = "refresh_token"

	defaultPollInterval = 5 * time.Second
	defaultCodeLifetime = 600 * time.Second

	// slowDownStep is added to the polling interval on every slow_down
	// response, per RFC 8628 section 3.5.
	slowDownStep = 5 * time.Second
)

var oidcScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// SSOOIDCClient talks to the AWS SSO OIDC service for one region family.
// It drives both halves of the token lifecycle: the interactive device-code
// grant and the non-interactive refresh grant.
type SSOOIDCClient struct {
	httpClient *http.Client
}

// NewSSOOIDCClient wraps the given HTTP client. A nil client falls back to a
// 30-second-timeout default.
func NewSSOOIDCClient(httpClient *http.Client) *SSOOIDCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &SSOOIDCClient{httpClient: httpClient}
}

func oidcEndpoint(region string) string {
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", region)
}

// ClientRegistration is the public OIDC client returned by /client/register.
type ClientRegistration struct {
	ClientID              string
	ClientSecret          string
	ClientSecretExpiresAt int64
}

// AuthorizationChallenge carries everything needed to complete a device-code
// grant: what to show the user and what to poll with.
type AuthorizationChallenge struct {
	Region       string
	StartURL     string
	AuthMethod   string
	ClientID     string
	ClientSecret string

	DeviceCode              string
	UserCode                string
	VerificationURI         string
	VerificationURIComplete string
	Interval                time.Duration
	ExpiresIn               time.Duration
}

// TokenResult is a successful token grant or refresh.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is epoch milliseconds.
	ExpiresAt  int64
	ProfileArn string
}

// ValidateStartURL checks a user-supplied Identity-Center start URL.
func ValidateStartURL(startURL string) error {
	trimmed := strings.TrimSpace(startURL)
	if trimmed == "" {
		return fmt.Errorf("start URL is empty")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("start URL is not a valid URL: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("start URL must use https, got %q", u.Scheme)
	}
	return nil
}

func (c *SSOOIDCClient) postJSON(ctx context.Context, endpoint string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", AmzUserAgent())
	return c.httpClient.Do(req)
}

// pickString returns the first present key from a gjson document. Upstream
// responses arrive in camelCase or snake_case depending on the service
// revision, so every field is probed under both spellings.
func pickString(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func pickInt(doc gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// RegisterClient creates a public OIDC client for the device-code grant.
func (c *SSOOIDCClient) RegisterClient(ctx context.Context, region string) (ClientRegistration, error) {
	resp, err := c.postJSON(ctx, oidcEndpoint(region)+"/client/register", map[string]any{
		"clientName": oidcClientName,
		"clientType": oidcClientType,
		"scopes":     oidcScopes,
		"grantTypes": []string{deviceCodeGrantType, refreshTokenGrantType},
	})
	if err != nil {
		return ClientRegistration{}, fmt.Errorf("register client: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ClientRegistration{}, fmt.Errorf("register client: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	doc := gjson.ParseBytes(body)
	reg := ClientRegistration{
		ClientID:              pickString(doc, "clientId", "client_id"),
		ClientSecret:          pickString(doc, "clientSecret", "client_secret"),
		ClientSecretExpiresAt: pickInt(doc, "clientSecretExpiresAt", "client_secret_expires_at"),
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return ClientRegistration{}, fmt.Errorf("register client: response missing client credentials")
	}
	return reg, nil
}

// BeginAuthorization registers a client and starts device authorization
// against the region's OIDC endpoint. An empty startURL selects the
// Builder-ID tenant.
func (c *SSOOIDCClient) BeginAuthorization(ctx context.Context, region, startURL string) (*AuthorizationChallenge, error) {
	authMethod := AuthMethodIdentityCenter
	if startURL == "" || startURL == BuilderIDStartURL {
		startURL = BuilderIDStartURL
		authMethod = AuthMethodBuilderID
	} else if err := ValidateStartURL(startURL); err != nil {
		return nil, err
	}

	reg, err := c.RegisterClient(ctx, region)
	if err != nil {
		return nil, err
	}

	resp, err := c.postJSON(ctx, oidcEndpoint(region)+"/device_authorization", map[string]string{
		"clientId":     reg.ClientID,
		"clientSecret": reg.ClientSecret,
		"startUrl":     startURL,
	})
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("device authorization: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	doc := gjson.ParseBytes(body)
	ch := &AuthorizationChallenge{
		Region:                  region,
		StartURL:                startURL,
		AuthMethod:              authMethod,
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		DeviceCode:              pickString(doc, "deviceCode", "device_code"),
		UserCode:                pickString(doc, "userCode", "user_code"),
		VerificationURI:         pickString(doc, "verificationUri", "verification_uri"),
		VerificationURIComplete: pickString(doc, "verificationUriComplete", "verification_uri_complete"),
		Interval:                defaultPollInterval,
		ExpiresIn:               defaultCodeLifetime,
	}
	if v := pickInt(doc, "interval"); v > 0 {
		ch.Interval = time.Duration(v) * time.Second
	}
	if v := pickInt(doc, "expiresIn", "expires_in"); v > 0 {
		ch.ExpiresIn = time.Duration(v) * time.Second
	}
	if ch.DeviceCode == "" || ch.UserCode == "" {
		return nil, fmt.Errorf("device authorization: response missing device or user code")
	}
	return ch, nil
}

// pollOnce makes a single token request for a pending device authorization.
// Non-terminal states are reported as the sentinel errors above.
func (c *SSOOIDCClient) pollOnce(ctx context.Context, ch *AuthorizationChallenge) (TokenResult, error) {
	resp, err := c.postJSON(ctx, oidcEndpoint(ch.Region)+"/token", map[string]string{
		"grantType":    deviceCodeGrantType,
		"deviceCode":   ch.DeviceCode,
		"clientId":     ch.ClientID,
		"clientSecret": ch.ClientSecret,
	})
	if err != nil {
		return TokenResult{}, fmt.Errorf("token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	doc := gjson.ParseBytes(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		switch pickString(doc, "error") {
		case "authorization_pending":
			return TokenResult{}, ErrAuthorizationPending
		case "slow_down":
			return TokenResult{}, ErrSlowDown
		case "expired_token":
			return TokenResult{}, ErrExpiredToken
		case "access_denied":
			return TokenResult{}, ErrAccessDenied
		default:
			return TokenResult{}, fmt.Errorf("token request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
	}
	return tokenResultFromBody(doc, "")
}

// PollForToken runs the polling loop for a device authorization until the
// grant completes, a terminal error occurs, or the attempt budget
// floor(expiresIn / interval) runs out.
func (c *SSOOIDCClient) PollForToken(ctx context.Context, ch *AuthorizationChallenge) (TokenResult, error) {
	interval := ch.Interval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	lifetime := ch.ExpiresIn
	if lifetime <= 0 {
		lifetime = defaultCodeLifetime
	}
	maxAttempts := int(lifetime / interval)
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return TokenResult{}, ctx.Err()
		case <-time.After(interval):
		}

		res, err := c.pollOnce(ctx, ch)
		switch {
		case err == nil:
			return res, nil
		case err == ErrAuthorizationPending:
			// keep the current cadence
		case err == ErrSlowDown:
			interval += slowDownStep
			log.Debugf("kiro device auth: slow_down, polling interval now %s", interval)
		case err == ErrExpiredToken, err == ErrAccessDenied:
			return TokenResult{}, err
		default:
			return TokenResult{}, err
		}
	}
	return TokenResult{}, ErrPollTimeout
}

// RefreshToken exchanges a compound refresh token for a fresh access token.
// The returned result reuses the previous refresh token when the endpoint
// does not rotate it.
func (c *SSOOIDCClient) RefreshToken(ctx context.Context, region string, tok CompoundToken) (TokenResult, error) {
	if err := tok.Validate(); err != nil {
		return TokenResult{}, err
	}

	resp, err := c.postJSON(ctx, oidcEndpoint(region)+"/token", map[string]string{
		"grantType":    refreshTokenGrantType,
		"refreshToken": tok.RefreshToken,
		"clientId":     tok.ClientID,
		"clientSecret": tok.ClientSecret,
	})
	if err != nil {
		return TokenResult{}, &TokenRefreshError{Code: RefreshCodeNetworkError, Message: err.Error(), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	doc := gjson.ParseBytes(body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := pickString(doc, "error")
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		msg := pickString(doc, "error_description", "message")
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return TokenResult{}, &TokenRefreshError{Code: code, Message: msg}
	}
	return tokenResultFromBody(doc, tok.RefreshToken)
}

func tokenResultFromBody(doc gjson.Result, previousRefreshToken string) (TokenResult, error) {
	access := pickString(doc, "accessToken", "access_token")
	if access == "" {
		return TokenResult{}, &TokenRefreshError{Code: RefreshCodeInvalidResponse, Message: "response missing access token"}
	}
	refresh := pickString(doc, "refreshToken", "refresh_token")
	if refresh == "" {
		refresh = previousRefreshToken
	}
	expiresIn := pickInt(doc, "expiresIn", "expires_in")
	if expiresIn <= 0 {
		expiresIn = 3600
	}
	return TokenResult{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().UnixMilli() + expiresIn*1000,
		ProfileArn:   pickString(doc, "profileArn", "profile_arn"),
	}, nil
}
