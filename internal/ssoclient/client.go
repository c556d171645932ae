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

// Package ssoclient is the relying-party side of the bind flow: it
// talks to the upstream OIDC provider that chat users authenticate
// against.
package ssoclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrDiscoveryIncomplete = errors.New("discovery document missing required endpoints")
	ErrExchangeFailed      = errors.New("code exchange rejected by upstream")
	ErrUserinfoFailed      = errors.New("userinfo request rejected by upstream")
)

// Config holds the upstream provider settings.
type Config struct {
	ProviderName     string
	UseWellKnown     bool
	WellKnownURL     string
	AuthorizationURL string
	TokenURL         string
	UserinfoURL      string
	ClientID         string
	ClientSecret     string
	RedirectURI      string
	Scope            string
}

// UserInfo carries the upstream claims for a freshly authenticated
// user. RawData keeps the unparsed body so the binding step can
// project configured fields into extra_data.
type UserInfo struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	EmailVerified     bool   `json:"email_verified"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
	Nickname          string `json:"nickname"`

	RawData map[string]any `json:"-"`
}

// TokenSet is the upstream token endpoint response.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	Scope        string `json:"scope"`
}

type discoveryDoc struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserinfoEndpoint      string `json:"userinfo_endpoint"`
}

// Client talks to the upstream OIDC provider.
type Client struct {
	cfg  Config
	http *http.Client

	// write-once discovery cache keyed by well-known URL
	mu        sync.Mutex
	discovery map[string]*discoveryDoc
}

// New creates a new upstream client with a 30 s request deadline.
func New(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: 30 * time.Second},
		discovery: make(map[string]*discoveryDoc),
	}
}

// endpoints resolves the three endpoints, fetching and caching the
// discovery document on first use.
func (c *Client) endpoints(ctx context.Context) (authz, token, userinfo string, err error) {
	if !c.cfg.UseWellKnown {
		return c.cfg.AuthorizationURL, c.cfg.TokenURL, c.cfg.UserinfoURL, nil
	}

	c.mu.Lock()
	doc, ok := c.discovery[c.cfg.WellKnownURL]
	c.mu.Unlock()

	if !ok {
		doc, err = c.fetchDiscovery(ctx)
		if err != nil {
			return "", "", "", err
		}
		c.mu.Lock()
		c.discovery[c.cfg.WellKnownURL] = doc
		c.mu.Unlock()
	}

	userinfo = doc.UserinfoEndpoint
	if userinfo == "" {
		userinfo = c.cfg.UserinfoURL
	}
	return doc.AuthorizationEndpoint, doc.TokenEndpoint, userinfo, nil
}

func (c *Client) fetchDiscovery(ctx context.Context) (*discoveryDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.WellKnownURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery fetch returned %d", resp.StatusCode)
	}

	var doc discoveryDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("discovery decode failed: %w", err)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return nil, ErrDiscoveryIncomplete
	}
	return &doc, nil
}

// ProviderName returns the configured display name.
func (c *Client) ProviderName() string {
	if c.cfg.ProviderName != "" {
		return c.cfg.ProviderName
	}
	return "SSO"
}

// AuthorizationURL builds the upstream authorization URL for a bind
// request carrying the given state token.
func (c *Client) AuthorizationURL(ctx context.Context, state string) (string, error) {
	authz, _, _, err := c.endpoints(ctx)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(authz)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("client_id", c.cfg.ClientID)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", c.cfg.Scope)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCode trades an authorization code for an upstream token set.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenSet, error) {
	_, tokenURL, _, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", c.cfg.RedirectURI)
	form.Set("client_id", c.cfg.ClientID)
	form.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrExchangeFailed, resp.StatusCode)
	}

	var ts TokenSet
	if err := json.NewDecoder(resp.Body).Decode(&ts); err != nil {
		return nil, fmt.Errorf("token response decode failed: %w", err)
	}
	return &ts, nil
}

// GetUserinfo fetches the upstream userinfo with a bearer token.
func (c *Client) GetUserinfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	_, _, userinfoURL, err := c.endpoints(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, userinfoURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUserinfoFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var info UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("userinfo decode failed: %w", err)
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err == nil {
		info.RawData = raw
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("userinfo response missing sub")
	}
	return &info, nil
}
