// Package kiro implements the AWS SSO OIDC device-code flow and token
// lifecycle used by the CodeWhisperer / Q gateway: client registration,
// device authorization, token polling, refresh, and the compound
// refresh-token codec that persists everything as one string.
package kiro

import (
	"fmt"
	"strings"
)

// Canonical auth methods. Builder-ID is the fixed-startUrl specialisation of
// the Identity-Center flow.
const (
	AuthMethodBuilderID      = "builder-id"
	AuthMethodIdentityCenter = "identity-center"
)

// Trailing tags of the compound refresh-token string. The legacy "sso" tag is
// accepted on decode for strings written by older tooling; encode always
// emits the canonical tags.
const (
	tagIDC            = "idc"
	tagIdentityCenter = "identity-center"
	tagLegacySSO      = "sso"
)

// BuilderIDStartURL is the fixed SSO start URL of the AWS Builder ID tenant.
const BuilderIDStartURL = "https://view.awsapps.com/start"

// CompoundToken is the decoded form of the pipe-delimited refresh string.
// Builder-ID tokens carry four segments, Identity-Center tokens five
// (the start URL is required to refresh against the right tenant).
type CompoundToken struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	StartURL     string
	AuthMethod   string
}

// Validate checks that the token carries every field its auth method needs.
func (t CompoundToken) Validate() error {
	if t.RefreshToken == "" || t.ClientID == "" || t.ClientSecret == "" {
		return &TokenRefreshError{Code: RefreshCodeMissingCredentials, Message: "refresh token, client id and client secret are required"}
	}
	switch t.AuthMethod {
	case AuthMethodBuilderID:
		return nil
	case AuthMethodIdentityCenter:
		if t.StartURL == "" {
			return &TokenRefreshError{Code: RefreshCodeMissingCredentials, Message: "identity-center token requires a start URL"}
		}
		return nil
	default:
		return &TokenRefreshError{Code: RefreshCodeMissingCredentials, Message: fmt.Sprintf("unknown auth method %q", t.AuthMethod)}
	}
}

// EncodeCompoundToken packs the token into its pipe-delimited wire form.
// Fields must not contain the '|' delimiter.
func EncodeCompoundToken(t CompoundToken) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	for _, f := range []string{t.RefreshToken, t.ClientID, t.ClientSecret, t.StartURL} {
		if strings.Contains(f, "|") {
			return "", &TokenRefreshError{Code: RefreshCodeMissingCredentials, Message: "token field contains the '|' delimiter"}
		}
	}
	switch t.AuthMethod {
	case AuthMethodBuilderID:
		return strings.Join([]string{t.RefreshToken, t.ClientID, t.ClientSecret, tagIDC}, "|"), nil
	case AuthMethodIdentityCenter:
		return strings.Join([]string{t.RefreshToken, t.ClientID, t.ClientSecret, t.StartURL, tagIdentityCenter}, "|"), nil
	}
	return "", &TokenRefreshError{Code: RefreshCodeMissingCredentials, Message: fmt.Sprintf("unknown auth method %q", t.AuthMethod)}
}

// DecodeCompoundToken parses a pipe-delimited refresh string, dispatching on
// the trailing method tag.
func DecodeCompoundToken(s string) (CompoundToken, error) {
	segs := strings.Split(s, "|")
	if len(segs) < 2 {
		return CompoundToken{}, fmt.Errorf("compound token has no method tag")
	}
	tag := segs[len(segs)-1]
	switch tag {
	case tagIDC:
		if len(segs) != 4 {
			return CompoundToken{}, fmt.Errorf("idc token has %d segments, want 4", len(segs))
		}
		t := CompoundToken{
			RefreshToken: segs[0],
			ClientID:     segs[1],
			ClientSecret: segs[2],
			AuthMethod:   AuthMethodBuilderID,
		}
		return t, t.Validate()
	case tagIdentityCenter, tagLegacySSO:
		if len(segs) != 5 {
			return CompoundToken{}, fmt.Errorf("identity-center token has %d segments, want 5", len(segs))
		}
		t := CompoundToken{
			RefreshToken: segs[0],
			ClientID:     segs[1],
			ClientSecret: segs[2],
			StartURL:     segs[3],
			AuthMethod:   AuthMethodIdentityCenter,
		}
		return t, t.Validate()
	default:
		return CompoundToken{}, fmt.Errorf("unknown compound token tag %q", tag)
	}
}

// IsCompoundToken reports whether s looks like an encoded compound token.
func IsCompoundToken(s string) bool {
	_, err := DecodeCompoundToken(s)
	return err == nil
}
