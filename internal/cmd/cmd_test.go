package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/opencode-kiro/kiro-gateway/internal/account"
	kiroauth "github.com/opencode-kiro/kiro-gateway/internal/auth/kiro"
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

func newManager(t *testing.T) *account.Manager {
	t.Helper()
	store, err := account.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	m, err := account.NewManager(store, account.StrategySticky)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func fakeOIDC(t *testing.T) *kiroauth.SSOOIDCClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/client/register":
			fmt.Fprint(w, `{"clientId":"cid","clientSecret":"csec"}`)
		case "/device_authorization":
			fmt.Fprint(w, `{"deviceCode":"dev","userCode":"ABCD-EFGH","verificationUri":"https://device.sso.us-east-1.amazonaws.com/","interval":1,"expiresIn":600}`)
		case "/token":
			fmt.Fprint(w, `{"accessToken":"at","refreshToken":"rt","expiresIn":3600}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return kiroauth.NewSSOOIDCClient(&http.Client{
		Transport: rewriteTransport{base: http.DefaultTransport, target: u},
	})
}

func TestDoLogin_BuilderID(t *testing.T) {
	m := newManager(t)
	acc, err := DoLogin(context.Background(), m, fakeOIDC(t), LoginOptions{NoBrowser: true})
	if err != nil {
		t.Fatalf("DoLogin: %v", err)
	}
	if acc.AuthMethod != kiroauth.AuthMethodBuilderID {
		t.Errorf("authMethod = %q", acc.AuthMethod)
	}
	if acc.AccessToken != "at" {
		t.Errorf("accessToken = %q", acc.AccessToken)
	}
	if m.Len() != 1 {
		t.Errorf("manager has %d accounts", m.Len())
	}
	tok, err := acc.CompoundToken()
	if err != nil {
		t.Fatalf("compound: %v", err)
	}
	if tok.RefreshToken != "rt" || tok.ClientID != "cid" {
		t.Errorf("compound = %+v", tok)
	}
}

func TestDoLogin_BadStartURL(t *testing.T) {
	m := newManager(t)
	_, err := DoLogin(context.Background(), m, fakeOIDC(t), LoginOptions{
		StartURL:  "ftp://not-https",
		NoBrowser: true,
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestListAccounts(t *testing.T) {
	m := newManager(t)
	var buf bytes.Buffer
	ListAccounts(&buf, m)
	if !strings.Contains(buf.String(), "No accounts") {
		t.Errorf("empty list output = %q", buf.String())
	}

	m.AddAccount(&account.Account{
		ID:         "0123456789abcdef0123456789abcdef",
		Email:      "me@example.com",
		AuthMethod: kiroauth.AuthMethodBuilderID,
		Region:     account.RegionUSEast1,
		IsHealthy:  true,
		UsedCount:  3,
		LimitCount: 50,
	})
	buf.Reset()
	ListAccounts(&buf, m)
	out := buf.String()
	if !strings.Contains(out, "me@example.com") || !strings.Contains(out, "3/50") || !strings.Contains(out, "available") {
		t.Errorf("list output = %q", out)
	}
}

func TestRemoveAccount_ByShortID(t *testing.T) {
	m := newManager(t)
	m.AddAccount(&account.Account{ID: "0123456789abcdef0123456789abcdef", Email: "me@example.com", IsHealthy: true})

	if err := RemoveAccount(m, "01234567"); err != nil {
		t.Fatalf("RemoveAccount: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("manager still has %d accounts", m.Len())
	}
	if err := RemoveAccount(m, "nope"); err == nil {
		t.Error("expected error for unknown ref")
	}
}

func TestRefreshAll(t *testing.T) {
	m := newManager(t)
	compound, err := kiroauth.EncodeCompoundToken(kiroauth.CompoundToken{
		RefreshToken: "rt", ClientID: "cid", ClientSecret: "csec",
		AuthMethod: kiroauth.AuthMethodBuilderID,
	})
	if err != nil {
		t.Fatal(err)
	}
	m.AddAccount(&account.Account{
		ID: "a1", Email: "me@example.com", AuthMethod: kiroauth.AuthMethodBuilderID,
		Region: account.RegionUSEast1, RefreshToken: compound, IsHealthy: true,
		AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	})

	if err := RefreshAll(context.Background(), m, fakeOIDC(t)); err != nil {
		t.Fatalf("RefreshAll: %v", err)
	}
	if got := m.Get("a1").AccessToken; got != "at" {
		t.Errorf("accessToken = %q", got)
	}
}
