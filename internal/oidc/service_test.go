package oidc

import (
	"testing"
	"time"

	"github.com/oneidp/oneidp/internal/binding"
)

func testUser() *binding.BindUser {
	return &binding.BindUser{
		ID:                "bu-1",
		Uin:               10001,
		Sub:               "alice-sub",
		Email:             "alice@example.com",
		PreferredUsername: "alice",
		IsActive:          true,
	}
}

// TestPurpose: A minted ID token round-trips through verification with
// issuer, audience, nonce, and the scope-projected claims intact.
// Scope: Unit Test
func TestIDToken_RoundTrip(t *testing.T) {
	s := NewService("https://idp.example.com", "0123456789abcdef0123456789abcdef")

	raw, err := s.GenerateIDToken(testUser(), "demo", "nonce-123", "openid uin email", time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := s.ParseIDToken(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if claims["iss"] != "https://idp.example.com" {
		t.Errorf("unexpected iss %v", claims["iss"])
	}
	if claims["aud"] != "demo" {
		t.Errorf("unexpected aud %v", claims["aud"])
	}
	if claims["nonce"] != "nonce-123" {
		t.Errorf("unexpected nonce %v", claims["nonce"])
	}
	if claims["sub"] != "alice-sub" {
		t.Errorf("unexpected sub %v", claims["sub"])
	}
	// JSON numbers decode as float64.
	if claims["uin"] != float64(10001) {
		t.Errorf("unexpected uin %v", claims["uin"])
	}
	if claims["email"] != "alice@example.com" {
		t.Errorf("unexpected email %v", claims["email"])
	}
	if _, ok := claims["preferred_username"]; ok {
		t.Error("profile claim leaked without the profile scope")
	}
}

// TestPurpose: Tokens without an upstream sub fall back to the UIN as
// subject, and the nonce is omitted when not requested.
// Scope: Unit Test
func TestIDToken_SubFallback(t *testing.T) {
	s := NewService("https://idp.example.com", "0123456789abcdef0123456789abcdef")

	user := testUser()
	user.Sub = ""
	raw, err := s.GenerateIDToken(user, "demo", "", "uin", time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	claims, err := s.ParseIDToken(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if claims["sub"] != "10001" {
		t.Errorf("expected uin fallback subject, got %v", claims["sub"])
	}
	if _, ok := claims["nonce"]; ok {
		t.Error("nonce must be absent when not requested")
	}
}

// TestPurpose: Verification rejects tokens signed with a different
// secret and tokens from a different issuer.
// Scope: Unit Test
func TestIDToken_Rejections(t *testing.T) {
	s := NewService("https://idp.example.com", "0123456789abcdef0123456789abcdef")
	other := NewService("https://idp.example.com", "ffffffffffffffffffffffffffffffff")
	foreign := NewService("https://other.example.com", "0123456789abcdef0123456789abcdef")

	raw, err := s.GenerateIDToken(testUser(), "demo", "", "openid", time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}

	if _, err := other.ParseIDToken(raw); err == nil {
		t.Error("wrong secret must not verify")
	}
	if _, err := foreign.ParseIDToken(raw); err == nil {
		t.Error("wrong issuer must not verify")
	}

	expired, err := s.GenerateIDToken(testUser(), "demo", "", "openid", -time.Hour)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if _, err := s.ParseIDToken(expired); err == nil {
		t.Error("expired token must not verify")
	}
}

// TestPurpose: Discovery metadata advertises exactly what this server
// implements: code flow, HS256, PKCE, no JWKS.
// Scope: Unit Test
func TestDiscoveryMetadata(t *testing.T) {
	s := NewService("https://idp.example.com", "k")
	meta := s.GetDiscoveryMetadata()

	if meta.Issuer != "https://idp.example.com" {
		t.Errorf("unexpected issuer %q", meta.Issuer)
	}
	if meta.AuthorizationEndpoint != "https://idp.example.com/authorize" {
		t.Errorf("unexpected authorization endpoint %q", meta.AuthorizationEndpoint)
	}
	if meta.RevocationEndpoint != "https://idp.example.com/revoke" {
		t.Errorf("unexpected revocation endpoint %q", meta.RevocationEndpoint)
	}
	if len(meta.ResponseTypesSupported) != 1 || meta.ResponseTypesSupported[0] != "code" {
		t.Errorf("only the code flow is supported, got %v", meta.ResponseTypesSupported)
	}
	if len(meta.IDTokenSigningAlgValuesSupported) != 1 || meta.IDTokenSigningAlgValuesSupported[0] != "HS256" {
		t.Errorf("only HS256 is supported, got %v", meta.IDTokenSigningAlgValuesSupported)
	}
}
