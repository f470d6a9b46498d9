// Package usage polls the Q usage-limits endpoint and folds the counters
// back into the account fleet, quarantining exhausted accounts until the
// next UTC month.
package usage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	"github.com/opencode-kiro/kiro-gateway/internal/util"
)

const usageEndpointTemplate = "https://q.{{region}}.amazonaws.com/getUsageLimits"

// Snapshot is one reading of the usage endpoint.
type Snapshot struct {
	UsedCount  int
	LimitCount int
	Email      string
}

// Exhausted reports whether the account has consumed its quota.
func (s Snapshot) Exhausted() bool {
	return s.LimitCount > 0 && s.UsedCount >= s.LimitCount
}

// Tracker fetches usage for accounts and applies the results to the manager.
type Tracker struct {
	httpClient *http.Client
	manager    *account.Manager
}

// NewTracker builds a tracker. A nil client falls back to a 30-second
// timeout default.
func NewTracker(manager *account.Manager, httpClient *http.Client) *Tracker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Tracker{httpClient: httpClient, manager: manager}
}

// Fetch reads the usage limits for one account.
func (t *Tracker) Fetch(ctx context.Context, acc *account.Account) (Snapshot, error) {
	endpoint := util.RenderRegion(usageEndpointTemplate, acc.Region)
	q := url.Values{}
	q.Set("isEmailRequired", "true")
	q.Set("origin", "AI_EDITOR")
	q.Set("resourceType", "AGENTIC_REQUEST")
	if acc.ProfileArn != "" {
		q.Set("profileArn", acc.ProfileArn)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build usage request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("usage request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Snapshot{}, fmt.Errorf("usage request: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	doc := gjson.ParseBytes(body)
	snap := Snapshot{
		UsedCount:  int(firstInt(doc, "usedCount", "used_count")),
		LimitCount: int(firstInt(doc, "limitCount", "limit_count")),
		Email:      firstString(doc, "userInfo.email", "user_info.email"),
	}
	return snap, nil
}

// Sync fetches usage for the account and applies it: counters and the
// discovered email land on the account, and an exhausted account is
// quarantined until the first instant of the next UTC month.
func (t *Tracker) Sync(ctx context.Context, accountID string) error {
	acc := t.manager.Get(accountID)
	if acc == nil {
		return fmt.Errorf("account %s not found", accountID)
	}
	snap, err := t.Fetch(ctx, acc)
	if err != nil {
		return err
	}
	t.manager.UpdateUsage(accountID, snap.UsedCount, snap.LimitCount, snap.Email)
	if snap.Exhausted() {
		recovery := account.NextUTCMonth(time.Now()).UnixMilli()
		t.manager.MarkUnhealthy(accountID, account.ReasonQuotaExhausted, recovery)
	}
	return nil
}

// SyncAll refreshes usage for every account, logging failures and moving on.
func (t *Tracker) SyncAll(ctx context.Context) {
	for _, acc := range t.manager.Accounts() {
		if err := t.Sync(ctx, acc.ID); err != nil {
			log.Debugf("usage tracker: sync %s: %v", acc.DisplayEmail(), err)
		}
	}
}

func firstInt(doc gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

func firstString(doc gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := doc.Get(k); v.Exists() {
			return v.String()
		}
	}
	return ""
}
