package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
	"github.com/opencode-kiro/kiro-gateway/internal/config"
	"github.com/opencode-kiro/kiro-gateway/internal/gateway"
)

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

// newTestServer stands up the API over a fake upstream; upstream handles the
// Q endpoint paths.
func newTestServer(t *testing.T, upstream http.HandlerFunc, accounts ...*account.Account) (*Server, *account.Manager) {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: rewriteTransport{base: http.DefaultTransport, target: u}}

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

	d := gateway.NewDispatcher(m, kiroauth.NewSSOOIDCClient(client), nil, client, gateway.Options{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	return NewServer(config.Default(), m, d), m
}

const completionBody = `{"model":"claude-sonnet-4-5","messages":[{"role":"user","content":"hello"}]}`

func TestChatCompletions_NonStreaming(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"Hello!"}`)
	}, testAccount(t, "a1"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(completionBody))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	doc := gjson.Parse(rec.Body.String())
	if doc.Get("object").String() != "chat.completion" {
		t.Errorf("object = %q", doc.Get("object").String())
	}
	if got := doc.Get("choices.0.message.content").String(); got != "Hello!" {
		t.Errorf("content = %q", got)
	}
	if got := doc.Get("choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
}

func TestChatCompletions_Streaming(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"content":"Hi"}`)
	}, testAccount(t, "a1"))

	body := `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `"text":"Hi"`) {
		t.Errorf("missing text delta: %s", out)
	}
	if !strings.Contains(out, "event: message_stop") {
		t.Errorf("missing message_stop: %s", out)
	}
}

func TestChatCompletions_MissingModel(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, testAccount(t, "a1"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"messages":[{"role":"user","content":"x"}]}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatCompletions_UnknownModel(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, testAccount(t, "a1"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-9","messages":[{"role":"user","content":"x"}]}`))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
		t.Errorf("error type = %q", got)
	}
}

func TestChatCompletions_NoAccounts(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(completionBody))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChatCompletions_RateLimited(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}, testAccount(t, "a1"), testAccount(t, "a2"), testAccount(t, "a3"))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(completionBody))
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestListModels(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"claude-sonnet-4-5", "claude-sonnet-4-5-thinking", "amazonq-claude-auto"} {
		if !strings.Contains(body, `"`+want+`"`) {
			t.Errorf("models missing %s", want)
		}
	}
}

func TestHealthz(t *testing.T) {
	s, m := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, testAccount(t, "a1"))

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	doc := gjson.Parse(rec.Body.String())
	if doc.Get("status").String() != "ok" || doc.Get("accounts.available").Int() != 1 {
		t.Errorf("body = %s", rec.Body.String())
	}

	m.MarkRateLimited("a1", time.Hour)
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("metrics output looks empty")
	}
}
