package kiro

import (
	"errors"
	"testing"
)

func TestEncodeCompoundToken_IdentityCenter(t *testing.T) {
	tok := CompoundToken{
		RefreshToken: "r",
		ClientID:     "c",
		ClientSecret: "s",
		StartURL:     "https://x.y/start",
		AuthMethod:   AuthMethodIdentityCenter,
	}
	got, err := EncodeCompoundToken(tok)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := "r|c|s|https://x.y/start|identity-center"
	if got != want {
		t.Fatalf("encode = %q, want %q", got, want)
	}
	back, err := DecodeCompoundToken(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != tok {
		t.Fatalf("round trip = %#v, want %#v", back, tok)
	}
}

func TestEncodeCompoundToken_BuilderID(t *testing.T) {
	tok := CompoundToken{
		RefreshToken: "rt-1",
		ClientID:     "cid",
		ClientSecret: "csec",
		AuthMethod:   AuthMethodBuilderID,
	}
	got, err := EncodeCompoundToken(tok)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got != "rt-1|cid|csec|idc" {
		t.Fatalf("encode = %q", got)
	}
	back, err := DecodeCompoundToken(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back != tok {
		t.Fatalf("round trip = %#v, want %#v", back, tok)
	}
}

func TestCodecRoundTrip(t *testing.T) {
	cases := []CompoundToken{
		{RefreshToken: "a", ClientID: "b", ClientSecret: "c", AuthMethod: AuthMethodBuilderID},
		{RefreshToken: "aws.rt/long+token==", ClientID: "client id with spaces", ClientSecret: "s3cr3t", AuthMethod: AuthMethodBuilderID},
		{RefreshToken: "r", ClientID: "c", ClientSecret: "s", StartURL: "https://corp.awsapps.com/start", AuthMethod: AuthMethodIdentityCenter},
	}
	for _, tok := range cases {
		enc, err := EncodeCompoundToken(tok)
		if err != nil {
			t.Fatalf("encode %#v: %v", tok, err)
		}
		dec, err := DecodeCompoundToken(enc)
		if err != nil {
			t.Fatalf("decode %q: %v", enc, err)
		}
		if dec != tok {
			t.Fatalf("round trip %q: got %#v want %#v", enc, dec, tok)
		}
		reenc, err := EncodeCompoundToken(dec)
		if err != nil || reenc != enc {
			t.Fatalf("re-encode %q: got %q err %v", enc, reenc, err)
		}
	}
}

func TestEncodeCompoundToken_MissingFields(t *testing.T) {
	cases := []CompoundToken{
		{ClientID: "c", ClientSecret: "s", AuthMethod: AuthMethodBuilderID},
		{RefreshToken: "r", ClientSecret: "s", AuthMethod: AuthMethodBuilderID},
		{RefreshToken: "r", ClientID: "c", AuthMethod: AuthMethodBuilderID},
		{RefreshToken: "r", ClientID: "c", ClientSecret: "s", AuthMethod: AuthMethodIdentityCenter},
		{RefreshToken: "r", ClientID: "c", ClientSecret: "s", AuthMethod: "social"},
	}
	for _, tok := range cases {
		_, err := EncodeCompoundToken(tok)
		if err == nil {
			t.Fatalf("encode %#v: expected error", tok)
		}
		var tre *TokenRefreshError
		if !errors.As(err, &tre) || tre.Code != RefreshCodeMissingCredentials {
			t.Fatalf("encode %#v: got %v, want MISSING_CREDENTIALS", tok, err)
		}
	}
}

func TestEncodeCompoundToken_RejectsDelimiter(t *testing.T) {
	tok := CompoundToken{RefreshToken: "r|t", ClientID: "c", ClientSecret: "s", AuthMethod: AuthMethodBuilderID}
	if _, err := EncodeCompoundToken(tok); err == nil {
		t.Fatal("expected error for field containing '|'")
	}
}

func TestDecodeCompoundToken_Errors(t *testing.T) {
	cases := []string{
		"",
		"justone",
		"r|c|s|unknown-tag",
		"r|c|s|idc|extra",
		"r|c|s|identity-center",
		"r|c|s|https://x|https://y|identity-center",
	}
	for _, s := range cases {
		if _, err := DecodeCompoundToken(s); err == nil {
			t.Fatalf("decode %q: expected error", s)
		}
	}
}

func TestDecodeCompoundToken_LegacySSOTag(t *testing.T) {
	dec, err := DecodeCompoundToken("r|c|s|https://corp.awsapps.com/start|sso")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.AuthMethod != AuthMethodIdentityCenter {
		t.Fatalf("auth method = %q, want identity-center", dec.AuthMethod)
	}
	enc, err := EncodeCompoundToken(dec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if enc != "r|c|s|https://corp.awsapps.com/start|identity-center" {
		t.Fatalf("canonical encode = %q", enc)
	}
}
