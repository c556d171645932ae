package http

import (
	"net/http/httptest"
	"testing"
)

// TestPurpose: The redirect pre-filter admits ordinary and custom-app
// schemes and rejects scriptable content regardless of casing.
// Scope: Unit Test
func TestIsSafeRedirectURI(t *testing.T) {
	cases := []struct {
		name string
		uri  string
		safe bool
	}{
		{"https", "https://rp.example.com/cb", true},
		{"custom scheme", "myapp://oauth/callback", true},
		{"with query", "https://rp.example.com/cb?foo=bar", true},
		{"empty", "", false},
		{"no scheme", "rp.example.com/cb", false},
		{"relative", "/cb", false},
		{"javascript scheme", "javascript://alert(1)", false},
		{"javascript uppercase", "JAVASCRIPT://alert(1)", false},
		{"data scheme", "data://text/html,x", false},
		{"vbscript scheme", "vbscript://msgbox", false},
		{"embedded script tag", "https://rp.example.com/<script>", false},
		{"embedded onclick", "https://rp.example.com/cb?x=onclick", false},
		{"embedded onerror mixed case", "https://rp.example.com/cb?x=OnError", false},
		{"javascript buried in query", "https://rp.example.com/cb?next=javascript:x", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isSafeRedirectURI(tc.uri); got != tc.safe {
				t.Errorf("isSafeRedirectURI(%q) = %v, want %v", tc.uri, got, tc.safe)
			}
		})
	}
}

// TestPurpose: Client IP resolution prefers the first X-Forwarded-For
// hop, then X-Real-IP, then the socket peer.
// Scope: Unit Test
func TestGetIPAddress(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"

	if got := getIPAddress(r); got != "10.0.0.1:5555" {
		t.Errorf("expected socket peer, got %q", got)
	}

	r.Header.Set("X-Real-IP", "203.0.113.7")
	if got := getIPAddress(r); got != "203.0.113.7" {
		t.Errorf("expected X-Real-IP, got %q", got)
	}

	r.Header.Set("X-Forwarded-For", " 198.51.100.4 , 10.0.0.2, 10.0.0.3")
	if got := getIPAddress(r); got != "198.51.100.4" {
		t.Errorf("expected first forwarded hop, got %q", got)
	}
}

// TestPurpose: Bearer extraction is case-insensitive on the scheme and
// ignores other authorization types.
// Scope: Unit Test
func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest("GET", "/userinfo", nil)
	if bearerToken(r) != "" {
		t.Error("no header must yield no token")
	}

	r.Header.Set("Authorization", "Bearer abc123")
	if got := bearerToken(r); got != "abc123" {
		t.Errorf("expected abc123, got %q", got)
	}

	r.Header.Set("Authorization", "bearer xyz")
	if got := bearerToken(r); got != "xyz" {
		t.Errorf("scheme must be case-insensitive, got %q", got)
	}

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if bearerToken(r) != "" {
		t.Error("basic auth must not yield a bearer token")
	}
}
