// Copyright 2026 The OneIDP Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package oauth2

import (
	"errors"
	"net/url"
	"strings"
	"time"
)

// Domain errors (Internal)
var (
	ErrClientNotFound      = errors.New("client not found")
	ErrPendingAuthNotFound = errors.New("pending authorization not found")
	ErrPendingAuthExpired  = errors.New("pending authorization expired")
	ErrAlreadyClaimed      = errors.New("pending authorization claimed by another user")
	ErrAlreadyApproved     = errors.New("pending authorization already approved")
	ErrNotApproved         = errors.New("pending authorization not approved")
	ErrCodeAlreadyUsed     = errors.New("authorization code already used")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenRevoked        = errors.New("token revoked")
	ErrTokenNotFound       = errors.New("token not found")
)

const (
	ScopeOpenID  = "openid"
	ScopeUin     = "uin"
	ScopeEmail   = "email"
	ScopeProfile = "profile"
)

// Client represents a relying party registered in the configuration.
type Client struct {
	ClientID      string   `json:"client_id"`
	ClientSecret  string   `json:"-"`
	Name          string   `json:"name"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes"`
}

// ValidateRedirectURI checks the URI against the registered list under
// (scheme, host, path) equality. Query and fragment are ignored.
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	requested, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	for _, registered := range c.RedirectURIs {
		reg, err := url.Parse(registered)
		if err != nil {
			continue
		}
		if reg.Scheme == requested.Scheme && reg.Host == requested.Host && reg.Path == requested.Path {
			return true
		}
	}
	return false
}

// ValidateScope checks if every requested scope token is allowed for
// this client.
func (c *Client) ValidateScope(requestedScope string) bool {
	if requestedScope == "" {
		return true
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		allowed := false
		for _, allowedScope := range c.AllowedScopes {
			if allowedScope == reqScope || allowedScope == "*" {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	return true
}

// PendingAuth is an authorization flow in progress. It carries two
// independent keys: the human-typed verification code (valid until
// claimed and approved) and the machine-only auth code (valid only
// once approved).
type PendingAuth struct {
	ID                  string
	VerificationCode    string
	AuthCode            string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	Uin                 int64 // 0 = unclaimed
	BindUserID          string
	ClientIP            string
	UserAgent           string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	IsApproved          bool
	IsUsed              bool
}

// IsExpired checks if the pending authorization has expired
func (p *PendingAuth) IsExpired() bool {
	return !time.Now().Before(p.ExpiresAt)
}

// VerificationUsable reports whether the verification code can still
// be claimed and approved.
func (p *PendingAuth) VerificationUsable() bool {
	return !p.IsUsed && !p.IsApproved && !p.IsExpired()
}

// AuthCodeUsable reports whether the auth code can still be exchanged.
func (p *PendingAuth) AuthCodeUsable() bool {
	return p.IsApproved && !p.IsUsed && !p.IsExpired()
}

// OAuthToken is an issued access/refresh token pair.
type OAuthToken struct {
	ID                    string
	AccessToken           string
	RefreshToken          string
	TokenType             string
	ClientID              string
	BindUserID            string
	Uin                   int64
	Scope                 string
	CreatedAt             time.Time
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt *time.Time
	IsRevoked             bool
}

// AccessValid reports whether the access token is usable.
func (t *OAuthToken) AccessValid(now time.Time) bool {
	return !t.IsRevoked && now.Before(t.AccessTokenExpiresAt)
}

// RefreshValid reports whether the refresh token is usable.
func (t *OAuthToken) RefreshValid(now time.Time) bool {
	if t.RefreshToken == "" || t.RefreshTokenExpiresAt == nil {
		return false
	}
	return !t.IsRevoked && now.Before(*t.RefreshTokenExpiresAt)
}

// AuthorizationLog is an append-only record of chat-side approvals.
type AuthorizationLog struct {
	ID         string
	Uin        int64
	BindUserID string
	ClientID   string
	Scope      string
	ClientIP   string
	CreatedAt  time.Time
}

// PendingAuthRepository defines the interface for pending authorization persistence
type PendingAuthRepository interface {
	// Create inserts a new pending authorization
	Create(pending *PendingAuth) error

	// GetByVerificationCode retrieves by verification code; validOnly
	// applies the unclaimed-and-unexpired predicate.
	GetByVerificationCode(code string, validOnly bool) (*PendingAuth, error)

	// GetByAuthCode retrieves by auth code; validOnly applies the
	// approved-and-unused predicate.
	GetByAuthCode(code string, validOnly bool) (*PendingAuth, error)

	// Claim atomically assigns an unclaimed row (uin=0) to the caller.
	// Returns ErrAlreadyClaimed when the row was claimed concurrently.
	Claim(id string, uin int64, bindUserID string) error

	// Approve sets is_approved; must not alter is_used.
	Approve(id string) error

	// MarkUsed flips is_used; returns ErrCodeAlreadyUsed when no row
	// was affected.
	MarkUsed(id string) error

	// DeleteExpired removes expired rows
	DeleteExpired() (int64, error)
}

// TokenRepository defines the interface for token persistence
type TokenRepository interface {
	// Create inserts a new token pair
	Create(token *OAuthToken) error

	// GetByAccessToken retrieves a token row by access token; validOnly
	// applies the unrevoked-and-unexpired predicate.
	GetByAccessToken(accessToken string, validOnly bool) (*OAuthToken, error)

	// GetByRefreshToken retrieves a token row by refresh token
	GetByRefreshToken(refreshToken string, validOnly bool) (*OAuthToken, error)

	// Revoke marks a token row revoked
	Revoke(id string) error

	// RevokeAllUserTokens revokes every live token for a UIN,
	// optionally scoped to one client.
	RevokeAllUserTokens(uin int64, clientID string) (int64, error)

	// DeleteExpired removes rows whose access and refresh lifetimes
	// have both passed.
	DeleteExpired() (int64, error)
}

// AuthorizationLogRepository is append-only
type AuthorizationLogRepository interface {
	Create(entry *AuthorizationLog) error
}
