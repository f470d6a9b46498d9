// Package account maintains the fleet of authenticated Kiro accounts: the
// persistent JSON store, the in-memory manager with its selection policy,
// and the health/usage state machine the dispatcher drives.
package account

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

// Supported inference regions. Anything else normalises to the default.
const (
	RegionUSEast1 = "us-east-1"
	RegionUSWest2 = "us-west-2"
)

// Account is one authenticated identity. RefreshToken holds the encoded
// compound string (see the kiro codec), not the bare OAuth refresh token.
type Account struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	AuthMethod   string `json:"authMethod"`
	Region       string `json:"region"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	StartURL     string `json:"startUrl,omitempty"`
	ProfileArn   string `json:"profileArn,omitempty"`

	RefreshToken string `json:"refreshToken"`
	AccessToken  string `json:"accessToken,omitempty"`
	// ExpiresAt is epoch milliseconds.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	IsHealthy       bool   `json:"isHealthy"`
	UnhealthyReason string `json:"unhealthyReason,omitempty"`
	RecoveryTime    int64  `json:"recoveryTime,omitempty"`

	RateLimitResetTime int64 `json:"rateLimitResetTime,omitempty"`
	FailCount          int   `json:"failCount,omitempty"`
	LastUsed           int64 `json:"lastUsed,omitempty"`
	LastSync           int64 `json:"lastSync,omitempty"`

	UsedCount  int `json:"usedCount,omitempty"`
	LimitCount int `json:"limitCount,omitempty"`

	// RealEmail is the address reported by the usage endpoint. It lives in
	// the usage file, keyed by ID, so discovering it never changes the ID.
	RealEmail string `json:"-"`
}

// AccountID derives the deterministic 32-hex identifier from the four
// identifying fields. Mutating any of them yields a different account.
func AccountID(email, authMethod, clientID, profileArn string) string {
	sum := sha256.Sum256([]byte(email + "|" + authMethod + "|" + clientID + "|" + profileArn))
	return hex.EncodeToString(sum[:16])
}

// PlaceholderEmail synthesises the email used before the real address is
// known. The hash suffix keeps placeholder identities distinct per client.
func PlaceholderEmail(authMethod, clientID, profileArn string) string {
	sum := sha256.Sum256([]byte(clientID + "|" + profileArn))
	return fmt.Sprintf("%s-placeholder+%s@awsapps.local", authMethod, hex.EncodeToString(sum[:8]))
}

// NormalizeRegion maps any string onto the closed region set.
func NormalizeRegion(region string) string {
	switch region {
	case RegionUSEast1, RegionUSWest2:
		return region
	default:
		return RegionUSEast1
	}
}

// FromTokenResult builds a new healthy account from a completed device-code
// grant.
func FromTokenResult(ch *kiro.AuthorizationChallenge, res kiro.TokenResult) (*Account, error) {
	compound, err := kiro.EncodeCompoundToken(kiro.CompoundToken{
		RefreshToken: res.RefreshToken,
		ClientID:     ch.ClientID,
		ClientSecret: ch.ClientSecret,
		StartURL:     startURLForMethod(ch.AuthMethod, ch.StartURL),
		AuthMethod:   ch.AuthMethod,
	})
	if err != nil {
		return nil, err
	}
	email := PlaceholderEmail(ch.AuthMethod, ch.ClientID, res.ProfileArn)
	acc := &Account{
		ID:           AccountID(email, ch.AuthMethod, ch.ClientID, res.ProfileArn),
		Email:        email,
		AuthMethod:   ch.AuthMethod,
		Region:       NormalizeRegion(ch.Region),
		ClientID:     ch.ClientID,
		ClientSecret: ch.ClientSecret,
		StartURL:     ch.StartURL,
		ProfileArn:   res.ProfileArn,
		RefreshToken: compound,
		AccessToken:  res.AccessToken,
		ExpiresAt:    res.ExpiresAt,
		IsHealthy:    true,
	}
	return acc, nil
}

func startURLForMethod(authMethod, startURL string) string {
	if authMethod == kiro.AuthMethodIdentityCenter {
		return startURL
	}
	return ""
}

// Clone returns a deep copy; mutations on the copy never leak into the
// manager's view.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// CompoundToken decodes the stored refresh string.
func (a *Account) CompoundToken() (kiro.CompoundToken, error) {
	return kiro.DecodeCompoundToken(a.RefreshToken)
}

// AccessTokenExpired reports whether the access token is missing or inside
// the given buffer of its expiry.
func (a *Account) AccessTokenExpired(buffer time.Duration) bool {
	if a.AccessToken == "" || a.ExpiresAt <= 0 {
		return true
	}
	return a.ExpiresAt-time.Now().UnixMilli() <= buffer.Milliseconds()
}

// Available reports whether the account may serve a request right now. An
// unhealthy account whose recovery time has passed counts as available; the
// manager recovers it in place during selection.
func (a *Account) Available(now int64) bool {
	if !a.IsHealthy && (a.RecoveryTime == 0 || a.RecoveryTime > now) {
		return false
	}
	return a.RateLimitResetTime <= now
}

// DisplayEmail prefers the discovered address over the placeholder.
func (a *Account) DisplayEmail() string {
	if a.RealEmail != "" {
		return a.RealEmail
	}
	return a.Email
}

// NextUTCMonth returns the first instant of the month after t, in UTC. Quota
// exhaustion recovers at this boundary.
func NextUTCMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
