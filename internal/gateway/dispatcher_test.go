package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/usage"
)

// rewriteTransport sends every request to the test server, keeping the path
// so one mux can stand in for the Q and OIDC endpoints.
type rewriteTransport struct {
	base   http.RoundTripper
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host
	return t.base.RoundTrip(req)
}

type errTransport struct{}

func (errTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func testClient(t *testing.T, srv *httptest.Server) *http.Client {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{Transport: rewriteTransport{base: http.DefaultTransport, target: u}}
}

func testAccount(t *testing.T, id string) *account.Account {
	t.Helper()
	compound, err := kiroauth.EncodeCompoundToken(kiroauth.CompoundToken{
		RefreshToken: "rt-" + id,
		ClientID:     "client-" + id,
		ClientSecret: "secret",
		AuthMethod:   kiroauth.AuthMethodBuilderID,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &account.Account{
		ID:           id,
		Email:        id + "@example.com",
		AuthMethod:   kiroauth.AuthMethodBuilderID,
		Region:       account.RegionUSEast1,
		ClientID:     "client-" + id,
		ClientSecret: "secret",
		RefreshToken: compound,
		AccessToken:  "at-" + id,
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		IsHealthy:    true,
	}
}

func newTestManager(t *testing.T, accounts ...*account.Account) *account.Manager {
	t.Helper()
	store, err := account.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := account.NewManager(store, account.StrategySticky)
	if err != nil {
		t.Fatal(err)
	}
	for _, acc := range accounts {
		m.AddAccount(acc)
	}
	return m
}

func newTestDispatcher(t *testing.T, m *account.Manager, client *http.Client) *Dispatcher {
	t.Helper()
	d := NewDispatcher(m, kiroauth.NewSSOOIDCClient(client), nil, client, Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	d.sleep = func(time.Duration) {}
	return d
}

var chatBody = []byte(`{"messages":[{"role":"user","content":"hello"}]}`)

func TestDispatch_HappyPath(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generateAssistantResponse" {
			t.Errorf("path = %s", r.URL.Path)
		}
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"content":"hi"}`)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	res, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	defer res.Response.Body.Close()
	if res.Response.StatusCode != http.StatusOK {
		t.Errorf("status = %d", res.Response.StatusCode)
	}
	if res.Account.ID != "a1" {
		t.Errorf("account = %s", res.Account.ID)
	}
	if got := gotAuth.Load(); got != "Bearer at-a1" {
		t.Errorf("Authorization = %v", got)
	}
}

func TestDispatch_401RefreshesAndRetries(t *testing.T) {
	var chatCalls, tokenCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			tokenCalls.Add(1)
			fmt.Fprint(w, `{"accessToken":"at-fresh","expiresIn":3600}`)
		case "/generateAssistantResponse":
			if chatCalls.Add(1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer at-fresh" {
				t.Errorf("retry Authorization = %q", got)
			}
			fmt.Fprint(w, `{"content":"ok"}`)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	res, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	res.Response.Body.Close()
	if tokenCalls.Load() != 1 {
		t.Errorf("token calls = %d, want 1", tokenCalls.Load())
	}
	if chatCalls.Load() != 2 {
		t.Errorf("chat calls = %d, want 2", chatCalls.Load())
	}
	if got := m.Get("a1").AccessToken; got != "at-fresh" {
		t.Errorf("stored access token = %q", got)
	}
}

func TestDispatch_429MarksRateLimitedAndFailsOver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"content":"ok"}`)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"), testAccount(t, "a2"))
	d := newTestDispatcher(t, m, client)

	before := time.Now().UnixMilli()
	res, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	res.Response.Body.Close()
	if res.Account.ID != "a2" {
		t.Errorf("served by %s, want failover to a2", res.Account.ID)
	}

	limited := m.Get("a1")
	lo, hi := before+30_000, time.Now().UnixMilli()+30_000
	if limited.RateLimitResetTime < lo || limited.RateLimitResetTime > hi {
		t.Errorf("rateLimitResetTime = %d, want ~now+30s", limited.RateLimitResetTime)
	}
}

func TestDispatch_429ExhaustionSurfacesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"), testAccount(t, "a2"), testAccount(t, "a3"))
	d := newTestDispatcher(t, m, client)

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	var rle *RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if rle.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", rle.Attempts)
	}
	if rle.RetryAfter != 30*time.Second {
		t.Errorf("retryAfter = %s, want 30s", rle.RetryAfter)
	}
}

func TestDispatch_429DefaultRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	before := time.Now().UnixMilli()
	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err == nil {
		t.Fatal("expected error")
	}
	reset := m.Get("a1").RateLimitResetTime
	lo, hi := before+60_000, time.Now().UnixMilli()+60_000
	if reset < lo || reset > hi {
		t.Errorf("rateLimitResetTime = %d, want ~now+60s", reset)
	}
}

func TestDispatch_402QuarantinesUntilNextMonth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	var nae *NoAvailableAccountsError
	if !errors.As(err, &nae) {
		t.Fatalf("err = %v, want NoAvailableAccountsError", err)
	}

	acc := m.Get("a1")
	if acc.IsHealthy {
		t.Error("account still healthy after 402")
	}
	if acc.UnhealthyReason != account.ReasonQuotaExhausted {
		t.Errorf("reason = %q", acc.UnhealthyReason)
	}
	want := account.NextUTCMonth(time.Now()).UnixMilli()
	if acc.RecoveryTime != want {
		t.Errorf("recoveryTime = %d, want %d", acc.RecoveryTime, want)
	}
}

func TestDispatch_403QuarantinesWithoutRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err == nil {
		t.Fatal("expected error")
	}
	acc := m.Get("a1")
	if acc.IsHealthy || acc.UnhealthyReason != account.ReasonForbidden {
		t.Errorf("account = healthy=%v reason=%q", acc.IsHealthy, acc.UnhealthyReason)
	}
	if acc.RecoveryTime != 0 {
		t.Errorf("recoveryTime = %d, want 0", acc.RecoveryTime)
	}
}

func TestDispatch_UnrecoverableStatusFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "internal failure", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	d := newTestDispatcher(t, m, client)

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", ue.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry on 500", calls.Load())
	}
}

func TestDispatch_NetworkErrorBacksOffExponentially(t *testing.T) {
	client := &http.Client{Transport: errTransport{}}
	m := newTestManager(t, testAccount(t, "a1"))
	d := NewDispatcher(m, kiroauth.NewSSOOIDCClient(client), nil, client, Options{
		MaxRetries: 3,
		RetryDelay: 10 * time.Millisecond,
	})
	var slept []time.Duration
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	var mre *MaxRetriesExceededError
	if !errors.As(err, &mre) {
		t.Fatalf("err = %v, want MaxRetriesExceededError", err)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d = %s, want %s", i, slept[i], want[i])
		}
	}
}

func TestDispatch_NoAccounts(t *testing.T) {
	m := newTestManager(t)
	d := newTestDispatcher(t, m, &http.Client{Transport: errTransport{}})

	_, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	var nae *NoAvailableAccountsError
	if !errors.As(err, &nae) {
		t.Fatalf("err = %v, want NoAvailableAccountsError", err)
	}
	if nae.Wait != 0 {
		t.Errorf("wait = %s, want 0", nae.Wait)
	}
}

func TestDispatch_UsageSyncFireAndForget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/generateAssistantResponse":
			fmt.Fprint(w, `{"content":"hi"}`)
		case "/getUsageLimits":
			fmt.Fprint(w, `{"usedCount":5,"limitCount":100}`)
		}
	}))
	defer srv.Close()

	client := testClient(t, srv)
	m := newTestManager(t, testAccount(t, "a1"))
	tracker := usage.NewTracker(m, client)
	d := NewDispatcher(m, kiroauth.NewSSOOIDCClient(client), tracker, client, Options{
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		UsageTracking: true,
	})
	d.sleep = func(time.Duration) {}

	res, err := d.Dispatch(context.Background(), "claude-sonnet-4-5", chatBody)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	res.Response.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Get("a1").UsedCount == 5 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("usage not synced: usedCount = %d", m.Get("a1").UsedCount)
}

func TestIsUpstreamURL(t *testing.T) {
	cases := []struct {
		url  string
		want bool
	}{
		{"https://q.us-east-1.amazonaws.com/generateAssistantResponse", true},
		{"http://q.eu-west-1.amazonaws.com/", true},
		{"https://oidc.us-east-1.amazonaws.com/token", false},
		{"https://example.com/q.us-east-1.amazonaws.com", false},
		{"https://q.US-EAST-1.amazonaws.com/", false},
	}
	for _, tc := range cases {
		if got := IsUpstreamURL(tc.url); got != tc.want {
			t.Errorf("IsUpstreamURL(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
}
