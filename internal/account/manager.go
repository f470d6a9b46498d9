package account

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
)

// Selection strategies.
const (
	StrategySticky      = "sticky"
	StrategyRoundRobin  = "round-robin"
	StrategyLowestUsage = "lowest-usage"
)

// Unhealthy reasons written by the dispatcher's status policy.
const (
	ReasonQuotaExhausted = "Quota exhausted"
	ReasonForbidden      = "Forbidden"
)

// recentRefreshWindow suppresses a second refresh when another caller just
// completed one for the same account.
const recentRefreshWindow = 30 * time.Second

// Manager is the in-memory authority on account state within the process.
// Every mutation of persistent fields triggers a save through the store.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	strategy string
	accounts []*Account
	cursor   int

	// refreshMu serialises token refreshes so that concurrent dispatches
	// on the same account cannot race on accessToken.
	refreshMu sync.Mutex

	lastRefresh map[string]time.Time
}

// NewManager loads the fleet from the store.
func NewManager(store *Store, strategy string) (*Manager, error) {
	switch strategy {
	case StrategySticky, StrategyRoundRobin, StrategyLowestUsage:
	default:
		strategy = StrategySticky
	}
	storage, err := store.Load()
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:       store,
		strategy:    strategy,
		accounts:    storage.Accounts,
		cursor:      storage.ActiveIndex,
		lastRefresh: map[string]time.Time{},
	}, nil
}

// Len returns the fleet size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.accounts)
}

// Accounts returns a snapshot of clones.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, acc := range m.accounts {
		out = append(out, acc.Clone())
	}
	return out
}

// Get returns a clone of the account with the given id, or nil.
func (m *Manager) Get(id string) *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(id); acc != nil {
		return acc.Clone()
	}
	return nil
}

func (m *Manager) findLocked(id string) *Account {
	for _, acc := range m.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func (m *Manager) persistLocked() {
	storage := &Storage{Version: storageVersion, Accounts: m.accounts, ActiveIndex: m.cursor}
	if err := m.store.Save(storage); err != nil {
		log.Errorf("account manager: persist failed: %v", err)
	}
}

// AddAccount inserts or replaces an account by id and persists.
func (m *Manager) AddAccount(acc *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.accounts {
		if existing.ID == acc.ID {
			m.accounts[i] = acc
			m.persistLocked()
			return
		}
	}
	m.accounts = append(m.accounts, acc)
	m.persistLocked()
}

// RemoveAccount drops an account, typically after invalid_grant.
func (m *Manager) RemoveAccount(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, acc := range m.accounts {
		if acc.ID == id {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			if m.cursor >= len(m.accounts) {
				m.cursor = 0
			}
			log.Warnf("account manager: removed account %s (%s)", acc.ID, acc.DisplayEmail())
			m.persistLocked()
			return
		}
	}
}

// SelectForRequest picks an available account per the configured strategy,
// auto-recovering accounts whose recovery time has passed. It returns nil
// when every account is quarantined or rate limited.
func (m *Manager) SelectForRequest() *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()

	recovered := false
	for _, acc := range m.accounts {
		if !acc.IsHealthy && acc.RecoveryTime > 0 && acc.RecoveryTime <= now {
			acc.IsHealthy = true
			acc.UnhealthyReason = ""
			acc.RecoveryTime = 0
			recovered = true
			log.Infof("account manager: auto-recovered account %s", acc.DisplayEmail())
		}
	}

	var filtered []int
	for i, acc := range m.accounts {
		if acc.IsHealthy && acc.RateLimitResetTime <= now {
			filtered = append(filtered, i)
		}
	}
	if len(filtered) == 0 {
		if recovered {
			m.persistLocked()
		}
		return nil
	}

	var idx int
	switch m.strategy {
	case StrategyRoundRobin:
		idx = filtered[m.cursor%len(filtered)]
		m.cursor++
	case StrategyLowestUsage:
		sort.SliceStable(filtered, func(a, b int) bool {
			x, y := m.accounts[filtered[a]], m.accounts[filtered[b]]
			if x.UsedCount != y.UsedCount {
				return x.UsedCount < y.UsedCount
			}
			return x.LastUsed < y.LastUsed
		})
		idx = filtered[0]
	default: // sticky
		idx = filtered[0]
		for _, i := range filtered {
			if i == m.cursor {
				idx = i
				break
			}
		}
		m.cursor = idx
	}

	acc := m.accounts[idx]
	acc.LastUsed = now
	m.persistLocked()
	return acc.Clone()
}

// MinWaitTime returns how long until the nearest account becomes available
// again, or zero when one is available now (or the fleet is empty).
func (m *Manager) MinWaitTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixMilli()
	min := int64(-1)
	for _, acc := range m.accounts {
		if acc.Available(now) {
			return 0
		}
		var until int64
		if !acc.IsHealthy {
			if acc.RecoveryTime == 0 {
				continue // no automatic recovery
			}
			until = acc.RecoveryTime - now
		}
		if acc.RateLimitResetTime > now && (until == 0 || acc.RateLimitResetTime-now > until) {
			until = acc.RateLimitResetTime - now
		}
		if until > 0 && (min < 0 || until < min) {
			min = until
		}
	}
	if min < 0 {
		return 0
	}
	return time.Duration(min) * time.Millisecond
}

// MarkRateLimited sets the account's rate-limit reset time to now+d.
func (m *Manager) MarkRateLimited(id string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(id); acc != nil {
		acc.RateLimitResetTime = time.Now().UnixMilli() + d.Milliseconds()
		m.persistLocked()
	}
}

// MarkUnhealthy quarantines an account. A zero recovery time means no
// automatic recovery.
func (m *Manager) MarkUnhealthy(id, reason string, recoveryTime int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc := m.findLocked(id); acc != nil {
		acc.IsHealthy = false
		acc.UnhealthyReason = reason
		acc.RecoveryTime = recoveryTime
		acc.FailCount++
		log.Warnf("account manager: %s marked unhealthy: %s", acc.DisplayEmail(), reason)
		m.persistLocked()
	}
}

// UpdateFromAuth applies a refresh result: new access token and expiry, a
// re-encoded compound refresh string, and the profile ARN when upstream
// returned one.
func (m *Manager) UpdateFromAuth(id string, res kiro.TokenResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.findLocked(id)
	if acc == nil {
		return fmt.Errorf("account %s not found", id)
	}
	tok, err := acc.CompoundToken()
	if err != nil {
		return fmt.Errorf("decode stored refresh token: %w", err)
	}
	if res.RefreshToken != "" {
		tok.RefreshToken = res.RefreshToken
	}
	compound, err := kiro.EncodeCompoundToken(tok)
	if err != nil {
		return fmt.Errorf("re-encode refresh token: %w", err)
	}
	acc.RefreshToken = compound
	acc.AccessToken = res.AccessToken
	acc.ExpiresAt = res.ExpiresAt
	if res.ProfileArn != "" {
		acc.ProfileArn = res.ProfileArn
	}
	acc.FailCount = 0
	m.persistLocked()
	return nil
}

// UpdateUsage applies a usage snapshot from the quota endpoint.
func (m *Manager) UpdateUsage(id string, used, limit int, realEmail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc := m.findLocked(id)
	if acc == nil {
		return
	}
	acc.UsedCount = used
	acc.LimitCount = limit
	if realEmail != "" {
		acc.RealEmail = realEmail
	}
	acc.LastSync = time.Now().UnixMilli()
	m.persistLocked()
}

// RefreshAccount refreshes the account's access token through the OIDC
// client, serialised across callers. If another caller refreshed the same
// account within the last 30 seconds the stored token is returned as is.
// A terminal invalid_grant removes the account before returning the error.
func (m *Manager) RefreshAccount(ctx context.Context, client *kiro.SSOOIDCClient, id string) (*Account, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	acc := m.Get(id)
	if acc == nil {
		return nil, fmt.Errorf("account %s not found", id)
	}
	m.mu.Lock()
	if at, ok := m.lastRefresh[id]; ok && time.Since(at) < recentRefreshWindow && !acc.AccessTokenExpired(0) {
		m.mu.Unlock()
		return acc, nil
	}
	m.mu.Unlock()

	tok, err := acc.CompoundToken()
	if err != nil {
		return nil, &kiro.TokenRefreshError{Code: kiro.RefreshCodeMissingCredentials, Message: err.Error(), Err: err}
	}
	res, err := client.RefreshToken(ctx, acc.Region, tok)
	if err != nil {
		if tre, ok := err.(*kiro.TokenRefreshError); ok && tre.Terminal() {
			m.RemoveAccount(id)
		}
		return nil, err
	}
	if err := m.UpdateFromAuth(id, res); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastRefresh[id] = time.Now()
	m.mu.Unlock()
	log.Debugf("account manager: refreshed token for %s", acc.DisplayEmail())
	return m.Get(id), nil
}
