// Package clisync imports accounts from the Amazon Q CLI's SQLite auth
// store. The import is one-way: the CLI database is opened read-only and
// never written.
package clisync

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

const (
	// Keys in the CLI's auth_kv table.
	tokenKey        = "codewhisperer:odic:token"
	registrationKey = "codewhisperer:odic:device-registration"
)

// cliToken is the token record the CLI persists.
type cliToken struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresAt    string  `json:"expires_at"` // RFC3339
	Region       string  `json:"region"`
	StartURL     *string `json:"start_url"`
}

// cliRegistration is the OIDC client the CLI registered.
type cliRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Region       string `json:"region"`
}

func (t *cliToken) expired() bool {
	if t.ExpiresAt == "" {
		return true
	}
	at, err := time.Parse(time.RFC3339, t.ExpiresAt)
	if err != nil {
		if at, err = time.Parse(time.RFC3339Nano, t.ExpiresAt); err != nil {
			return true
		}
	}
	return time.Now().Add(5 * time.Minute).After(at)
}

// DefaultDatabasePath is the CLI store location on Linux and macOS.
func DefaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "amazon-q", "data.sqlite3"), nil
}

// Reader reads the CLI auth store.
type Reader struct {
	dbPath string
}

func NewReader(dbPath string) *Reader {
	return &Reader{dbPath: dbPath}
}

func (r *Reader) readValue(key string) (string, error) {
	if _, err := os.Stat(r.dbPath); os.IsNotExist(err) {
		return "", fmt.Errorf("CLI database not found at %s", r.dbPath)
	}
	db, err := sql.Open("sqlite", r.dbPath+"?mode=ro&_pragma=busy_timeout(5000)")
	if err != nil {
		return "", fmt.Errorf("open CLI database: %w", err)
	}
	defer db.Close()

	var value string
	err = db.QueryRow("SELECT value FROM auth_kv WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("key %s not present (run 'q login' first)", key)
	}
	if err != nil {
		return "", fmt.Errorf("read CLI database: %w", err)
	}
	return value, nil
}

// ReadToken returns the CLI's current OAuth token.
func (r *Reader) ReadToken() (*cliToken, error) {
	raw, err := r.readValue(tokenKey)
	if err != nil {
		return nil, err
	}
	var tok cliToken
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("parse CLI token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, fmt.Errorf("CLI token record is empty")
	}
	return &tok, nil
}

// ReadRegistration returns the CLI's OIDC client credentials.
func (r *Reader) ReadRegistration() (*cliRegistration, error) {
	raw, err := r.readValue(registrationKey)
	if err != nil {
		return nil, err
	}
	var reg cliRegistration
	if err := json.Unmarshal([]byte(raw), &reg); err != nil {
		return nil, fmt.Errorf("parse CLI registration: %w", err)
	}
	if reg.ClientID == "" || reg.ClientSecret == "" {
		return nil, fmt.Errorf("CLI registration is incomplete")
	}
	return &reg, nil
}

// permanentErrorMarkers identify refresh failures that no retry will fix;
// credentials producing them are skipped rather than imported.
var permanentErrorMarkers = []string{
	"Invalid refresh token",
	"ExpiredTokenException",
	"InvalidTokenException",
	"HTTP_401",
	"HTTP_403",
	"invalid_grant",
}

// IsPermanentAuthError reports whether the error marks dead credentials.
func IsPermanentAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range permanentErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Import merges the CLI's credentials into the manager as one account,
// keyed by the deterministic account ID. Dead credentials are skipped.
// It returns the number of accounts added or updated.
func (r *Reader) Import(ctx context.Context, manager *account.Manager, oidc *kiroauth.SSOOIDCClient) (int, error) {
	tok, err := r.ReadToken()
	if err != nil {
		return 0, err
	}
	reg, err := r.ReadRegistration()
	if err != nil {
		return 0, err
	}

	authMethod := kiroauth.AuthMethodBuilderID
	startURL := ""
	if tok.StartURL != nil && *tok.StartURL != "" && *tok.StartURL != kiroauth.BuilderIDStartURL {
		authMethod = kiroauth.AuthMethodIdentityCenter
		startURL = *tok.StartURL
	}

	compound, err := kiroauth.EncodeCompoundToken(kiroauth.CompoundToken{
		RefreshToken: tok.RefreshToken,
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		StartURL:     startURL,
		AuthMethod:   authMethod,
	})
	if err != nil {
		return 0, err
	}

	email := account.PlaceholderEmail(authMethod, reg.ClientID, "")
	acc := &account.Account{
		ID:           account.AccountID(email, authMethod, reg.ClientID, ""),
		Email:        email,
		AuthMethod:   authMethod,
		Region:       account.NormalizeRegion(tok.Region),
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		StartURL:     startURL,
		RefreshToken: compound,
		IsHealthy:    true,
	}
	if !tok.expired() {
		acc.AccessToken = tok.AccessToken
		if at, err := time.Parse(time.RFC3339, tok.ExpiresAt); err == nil {
			acc.ExpiresAt = at.UnixMilli()
		}
	}

	manager.AddAccount(acc)

	// An expired import is only useful if its refresh token still works.
	if acc.AccessToken == "" {
		if _, err := manager.RefreshAccount(ctx, oidc, acc.ID); err != nil {
			if IsPermanentAuthError(err) {
				log.Warnf("clisync: skipping dead CLI credentials: %v", err)
				manager.RemoveAccount(acc.ID)
				return 0, nil
			}
			return 0, err
		}
	}
	log.Infof("clisync: imported account %s from the Q CLI store", acc.DisplayEmail())
	return 1, nil
}
