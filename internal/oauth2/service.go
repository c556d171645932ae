package oauth2

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/binding"
)

// IDTokenIssuer mints the OIDC ID token when the openid scope is
// granted.
type IDTokenIssuer interface {
	GenerateIDToken(user *binding.BindUser, clientID, nonce, scope string, expiresIn time.Duration) (string, error)
}

// Config holds provider lifetimes and code shape.
type Config struct {
	AuthCodeLifetime         time.Duration
	AccessTokenLifetime      time.Duration
	RefreshTokenLifetime     time.Duration
	VerificationCodeLifetime time.Duration
	VerificationCodeLength   int
}

// Service provides the authorization-server business logic
type Service struct {
	clients     []Client
	pendingRepo PendingAuthRepository
	tokenRepo   TokenRepository
	authLogRepo AuthorizationLogRepository
	bindUsers   binding.BindUserRepository
	auditLogger audit.Logger
	idIssuer    IDTokenIssuer // Optional OIDC integration hook

	cfg Config
}

// NewService creates a new provider service
func NewService(
	clients []Client,
	pendingRepo PendingAuthRepository,
	tokenRepo TokenRepository,
	authLogRepo AuthorizationLogRepository,
	bindUsers binding.BindUserRepository,
	auditLogger audit.Logger,
	idIssuer IDTokenIssuer,
	cfg Config,
) *Service {
	if cfg.AuthCodeLifetime == 0 {
		cfg.AuthCodeLifetime = 5 * time.Minute
	}
	if cfg.AccessTokenLifetime == 0 {
		cfg.AccessTokenLifetime = time.Hour
	}
	if cfg.RefreshTokenLifetime == 0 {
		cfg.RefreshTokenLifetime = 30 * 24 * time.Hour
	}
	if cfg.VerificationCodeLifetime == 0 {
		cfg.VerificationCodeLifetime = 5 * time.Minute
	}
	if cfg.VerificationCodeLength == 0 {
		cfg.VerificationCodeLength = DefaultVerificationCodeLength
	}

	return &Service{
		clients:     clients,
		pendingRepo: pendingRepo,
		tokenRepo:   tokenRepo,
		authLogRepo: authLogRepo,
		bindUsers:   bindUsers,
		auditLogger: auditLogger,
		idIssuer:    idIssuer,
		cfg:         cfg,
	}
}

// AuthorizeRequest represents an OAuth2 authorization request
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
	UserAgent           string
}

// TokenRequest represents an OAuth2 token request
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse represents an OAuth2 token response
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// ClientByID finds a registered client by client_id.
func (s *Service) ClientByID(clientID string) (*Client, error) {
	for i := range s.clients {
		if s.clients[i].ClientID == clientID {
			return &s.clients[i], nil
		}
	}
	return nil, ErrClientNotFound
}

// ValidateAuthorizeRequest validates an authorization request
// (RFC 6749 Section 4.1.1)
func (s *Service) ValidateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) (*Client, error) {
	// 1. Validate Response Type (RFC 6749 Section 3.1.1)
	if req.ResponseType != "code" {
		return nil, NewError(ErrUnsupportedResponseType, "response_type must be 'code'")
	}

	// 2. Validate Client
	client, err := s.ClientByID(req.ClientID)
	if err != nil {
		return nil, NewError(ErrInvalidRequest, "invalid client_id")
	}

	// 3. Validate Redirect URI (RFC 6749 Section 3.1.2)
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrInvalidRequest, "invalid redirect_uri")
	}

	// 4. Validate Scope (RFC 6749 Section 3.3)
	if req.Scope != "" && !client.ValidateScope(req.Scope) {
		return nil, NewError(ErrInvalidScope, "invalid scope")
	}

	// 5. Validate PKCE Method (RFC 7636 Section 4.3)
	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "plain" && req.CodeChallengeMethod != "S256" {
			return nil, NewError(ErrInvalidRequest, "transform algorithm not supported")
		}
	}

	return client, nil
}

// StartAuthorization creates an unclaimed PendingAuth for a validated
// request. The row is durable before the verification code is shown
// to anyone.
func (s *Service) StartAuthorization(ctx context.Context, req *AuthorizeRequest) (*PendingAuth, error) {
	now := time.Now()
	pending := &PendingAuth{
		ID:                  uuid.NewString(),
		VerificationCode:    NewVerificationCode(s.cfg.VerificationCodeLength),
		AuthCode:            NewAuthCode(),
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		Nonce:               req.Nonce,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Uin:                 0,
		ClientIP:            req.ClientIP,
		UserAgent:           req.UserAgent,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.cfg.VerificationCodeLifetime),
	}

	if err := s.pendingRepo.Create(pending); err != nil {
		return nil, NewError(ErrServerError, "failed to persist authorization request")
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:      audit.TypeAuthRequested,
		ClientID:  req.ClientID,
		Resource:  "pending_auth",
		IPAddress: req.ClientIP,
		UserAgent: req.UserAgent,
		Metadata:  map[string]any{"scope": req.Scope},
	})

	return pending, nil
}

// VerificationCodeLifetime exposes the configured TTL for display.
func (s *Service) VerificationCodeLifetime() time.Duration {
	return s.cfg.VerificationCodeLifetime
}

// ClaimAndApprove is the chat-side transition: the caller claims an
// unclaimed pending authorization and approves it in one step. A row
// claimed by a different UIN is rejected.
func (s *Service) ClaimAndApprove(ctx context.Context, verificationCode string, user *binding.BindUser) (*PendingAuth, error) {
	code := strings.ToUpper(strings.TrimSpace(verificationCode))

	pending, err := s.pendingRepo.GetByVerificationCode(code, true)
	if err != nil {
		return nil, ErrPendingAuthNotFound
	}

	if pending.Uin == 0 {
		// The claim: a conditional single-row update keyed on uin=0.
		// Exactly one of two concurrent callers wins.
		if err := s.pendingRepo.Claim(pending.ID, user.Uin, user.ID); err != nil {
			return nil, err
		}
		pending.Uin = user.Uin
		pending.BindUserID = user.ID
	} else if pending.Uin != user.Uin {
		return nil, ErrAlreadyClaimed
	}

	if err := s.pendingRepo.Approve(pending.ID); err != nil {
		return nil, err
	}
	pending.IsApproved = true

	if s.authLogRepo != nil {
		_ = s.authLogRepo.Create(&AuthorizationLog{
			ID:         uuid.NewString(),
			Uin:        user.Uin,
			BindUserID: user.ID,
			ClientID:   pending.ClientID,
			Scope:      pending.Scope,
			ClientIP:   pending.ClientIP,
			CreatedAt:  time.Now(),
		})
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeAuthApproved,
		Uin:      user.Uin,
		Sub:      user.Sub,
		ClientID: pending.ClientID,
		Resource: "pending_auth",
		Metadata: map[string]any{"scope": pending.Scope},
	})

	return pending, nil
}

// CheckResult is returned by the approval-page polling endpoint.
type CheckResult struct {
	Approved    bool   `json:"approved"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// CheckApproval answers the browser poll on /authorize/check.
// Expired rows surface ErrPendingAuthExpired, missing ones
// ErrPendingAuthNotFound.
func (s *Service) CheckApproval(ctx context.Context, verificationCode string) (*CheckResult, error) {
	code := strings.ToUpper(strings.TrimSpace(verificationCode))

	pending, err := s.pendingRepo.GetByVerificationCode(code, false)
	if err != nil {
		return nil, ErrPendingAuthNotFound
	}
	if pending.IsExpired() {
		return nil, ErrPendingAuthExpired
	}
	if !pending.IsApproved {
		return &CheckResult{Approved: false}, nil
	}

	redirect, err := buildRedirect(pending.RedirectURI, pending.AuthCode, pending.State)
	if err != nil {
		return nil, NewError(ErrServerError, "invalid redirect_uri on record")
	}
	return &CheckResult{Approved: true, RedirectURI: redirect}, nil
}

func buildRedirect(redirectURI, code, state string) (string, error) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ExchangeCodeForToken exchanges an approved auth code for tokens
// (RFC 6749 Section 4.1.3)
func (s *Service) ExchangeCodeForToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	// 1. Authenticate Client (RFC 6749 Section 3.2.1)
	client, err := s.ValidateClientCredentials(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	// 2. Retrieve and Validate Code
	pending, err := s.pendingRepo.GetByAuthCode(req.Code, true)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "authorization code is invalid or expired")
	}

	if pending.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}

	if req.RedirectURI != "" && req.RedirectURI != pending.RedirectURI {
		return nil, NewError(ErrInvalidGrant, "redirect_uri mismatch")
	}

	// 3. PKCE Verification (RFC 7636 Section 4.6)
	if pending.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, NewError(ErrInvalidGrant, "code_verifier required")
		}
		if !VerifyPKCE(pending.CodeChallenge, pending.CodeChallengeMethod, req.CodeVerifier) {
			return nil, NewError(ErrInvalidGrant, "invalid code_verifier")
		}
	}

	// 4. Resolve the approving user
	user, err := s.bindUsers.GetByUin(pending.Uin)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "approving user is no longer bound")
	}

	// 5. Mark code as used. A stale precondition here means a
	// concurrent exchange won; treat as replay.
	if err := s.pendingRepo.MarkUsed(pending.ID); err != nil {
		return nil, NewError(ErrInvalidGrant, "authorization code already used")
	}

	return s.issueTokens(ctx, client, user, pending.Scope, pending.Nonce)
}

// RefreshAccessToken handles the refresh_token grant type
// (RFC 6749 Section 6). The old token row is revoked before the new
// one is written; refresh tokens never repeat.
func (s *Service) RefreshAccessToken(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.ValidateClientCredentials(req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, err
	}

	old, err := s.tokenRepo.GetByRefreshToken(req.RefreshToken, true)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "refresh token is invalid or expired")
	}

	if old.ClientID != client.ClientID {
		return nil, NewError(ErrInvalidGrant, "client_id mismatch")
	}

	user, err := s.bindUsers.GetByUin(old.Uin)
	if err != nil {
		return nil, NewError(ErrInvalidGrant, "user is no longer bound")
	}

	if err := s.tokenRepo.Revoke(old.ID); err != nil {
		return nil, NewError(ErrServerError, "failed to rotate refresh token")
	}

	resp, err := s.issueTokens(ctx, client, user, old.Scope, "")
	if err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRefresh,
		Uin:      old.Uin,
		ClientID: client.ClientID,
		Resource: "oauth_token",
		Metadata: map[string]any{"scope": old.Scope},
	})

	return resp, nil
}

func (s *Service) issueTokens(ctx context.Context, client *Client, user *binding.BindUser, scope, nonce string) (*TokenResponse, error) {
	now := time.Now()
	refreshExpiry := now.Add(s.cfg.RefreshTokenLifetime)

	token := &OAuthToken{
		ID:                    uuid.NewString(),
		AccessToken:           NewToken(),
		RefreshToken:          NewToken(),
		TokenType:             "Bearer",
		ClientID:              client.ClientID,
		BindUserID:            user.ID,
		Uin:                   user.Uin,
		Scope:                 scope,
		CreatedAt:             now,
		AccessTokenExpiresAt:  now.Add(s.cfg.AccessTokenLifetime),
		RefreshTokenExpiresAt: &refreshExpiry,
	}

	if err := s.tokenRepo.Create(token); err != nil {
		return nil, NewError(ErrServerError, "failed to issue access token")
	}

	var idToken string
	if s.idIssuer != nil && containsScope(scope, ScopeOpenID) {
		it, err := s.idIssuer.GenerateIDToken(user, client.ClientID, nonce, scope, s.cfg.AccessTokenLifetime)
		if err == nil {
			idToken = it
		}
		// ID token failure does not fail the exchange.
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		Uin:      user.Uin,
		Sub:      user.Sub,
		ClientID: client.ClientID,
		Resource: "oauth_token",
		Metadata: map[string]any{
			"scope":  scope,
			"has_it": idToken != "",
		},
	})

	return &TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.cfg.AccessTokenLifetime.Seconds()),
		RefreshToken: token.RefreshToken,
		IDToken:      idToken,
		Scope:        scope,
	}, nil
}

// ValidateClientCredentials validates client credentials
// (RFC 6749 Section 3.2.1) with a constant-time secret compare.
func (s *Service) ValidateClientCredentials(clientID, clientSecret string) (*Client, error) {
	client, err := s.ClientByID(clientID)
	if err != nil {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	if !constantTimeEqual(client.ClientSecret, clientSecret) {
		return nil, NewError(ErrInvalidClient, "invalid client credentials")
	}

	return client, nil
}

// UserInfo resolves a bearer token to the scope-filtered claim set.
func (s *Service) UserInfo(ctx context.Context, accessToken string) (map[string]any, error) {
	token, err := s.tokenRepo.GetByAccessToken(accessToken, true)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	user, err := s.bindUsers.GetByUin(token.Uin)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	return ProjectClaims(user, token.Scope), nil
}

// Revoke implements RFC 7009: the token is searched by access value
// then refresh value ignoring validity, revoked when it belongs to
// the authenticated client, and the caller always sees success.
func (s *Service) Revoke(ctx context.Context, client *Client, tokenValue, tokenTypeHint string) {
	lookups := []func() (*OAuthToken, error){
		func() (*OAuthToken, error) { return s.tokenRepo.GetByAccessToken(tokenValue, false) },
		func() (*OAuthToken, error) { return s.tokenRepo.GetByRefreshToken(tokenValue, false) },
	}
	if tokenTypeHint == "refresh_token" {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		token, err := lookup()
		if err != nil {
			continue
		}
		if token.ClientID != client.ClientID {
			return
		}
		if err := s.tokenRepo.Revoke(token.ID); err == nil {
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeTokenRevoked,
				Uin:      token.Uin,
				ClientID: client.ClientID,
				Resource: "oauth_token",
			})
		}
		return
	}
}

// RevokeAllUserTokens revokes every live token for a UIN.
func (s *Service) RevokeAllUserTokens(ctx context.Context, uin int64, clientID string) (int64, error) {
	return s.tokenRepo.RevokeAllUserTokens(uin, clientID)
}

// CleanupExpired drops expired pending authorizations and dead token
// rows. Run periodically by the server janitor.
func (s *Service) CleanupExpired(ctx context.Context) (pending, tokens int64) {
	pending, _ = s.pendingRepo.DeleteExpired()
	tokens, _ = s.tokenRepo.DeleteExpired()
	return pending, tokens
}

func containsScope(scope, target string) bool {
	for _, part := range strings.Fields(scope) {
		if part == target {
			return true
		}
	}
	return false
}
