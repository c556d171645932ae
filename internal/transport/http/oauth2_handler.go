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

package http

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/oneidp/oneidp/internal/oauth2"
	"github.com/oneidp/oneidp/internal/observability/logger"
)

// Authorize starts the out-of-band authorization flow (RFC 6749
// Section 4.1.1). Instead of a login form, the response page shows a
// short verification code the user relays over chat, and polls
// /authorize/check until someone approves.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	req := parseAuthorizeRequest(r)

	// The safety pre-filter runs before anything else: a scriptable
	// redirect_uri never reaches the redirect-with-error path.
	if !isSafeRedirectURI(req.RedirectURI) {
		renderPage(w, http.StatusBadRequest, resultPageData{
			Title:   "Invalid request",
			Message: "The redirect_uri parameter is missing or not allowed.",
		})
		return
	}

	client, err := h.oauth2Service.ValidateAuthorizeRequest(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "invalid authorize request",
			logger.Error(err),
			logger.ClientID(req.ClientID),
			logger.RedirectURI(req.RedirectURI),
		)

		var oe *oauth2.Error
		if errors.As(err, &oe) {
			// Errors other than a bad client/redirect pair go back to
			// the RP by redirect (RFC 6749 Section 4.1.2.1).
			if c, cerr := h.oauth2Service.ClientByID(req.ClientID); cerr == nil && c.ValidateRedirectURI(req.RedirectURI) {
				http.Redirect(w, r, redirectWithError(req.RedirectURI, oe, req.State), http.StatusFound)
				return
			}
		}

		renderPage(w, http.StatusBadRequest, resultPageData{
			Title:   "Invalid request",
			Message: "The client_id or redirect_uri parameter is not recognized.",
		})
		return
	}

	pending, err := h.oauth2Service.StartAuthorization(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to start authorization", logger.Error(err))
		oe := oauth2.NewError(oauth2.ErrServerError, "failed to start authorization")
		http.Redirect(w, r, redirectWithError(req.RedirectURI, oe, req.State), http.StatusFound)
		return
	}

	renderAuthorizePage(w, authorizePageData{
		ClientName:       displayClientName(client),
		Scope:            strings.Fields(req.Scope),
		VerificationCode: pending.VerificationCode,
		ExpiresInSeconds: int(h.oauth2Service.VerificationCodeLifetime().Seconds()),
		CommandPrefix:    h.commandPrefix,
	})
}

func parseAuthorizeRequest(r *http.Request) *oauth2.AuthorizeRequest {
	query := r.URL.Query()
	return &oauth2.AuthorizeRequest{
		ClientID:            query.Get("client_id"),
		RedirectURI:         query.Get("redirect_uri"),
		ResponseType:        query.Get("response_type"),
		Scope:               query.Get("scope"),
		State:               query.Get("state"),
		Nonce:               query.Get("nonce"),
		CodeChallenge:       query.Get("code_challenge"),
		CodeChallengeMethod: query.Get("code_challenge_method"),
		ClientIP:            getIPAddress(r),
		UserAgent:           r.UserAgent(),
	}
}

// AuthorizePending is the JSON variant of Authorize for RPs that run
// the approval UX themselves. Validation errors come back as JSON
// instead of a redirect; nothing is ever sent to the redirect_uri.
func (h *Handler) AuthorizePending(w http.ResponseWriter, r *http.Request) {
	req := parseAuthorizeRequest(r)

	if !isSafeRedirectURI(req.RedirectURI) {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "redirect_uri is missing or not allowed"))
		return
	}

	if _, err := h.oauth2Service.ValidateAuthorizeRequest(r.Context(), req); err != nil {
		var oe *oauth2.Error
		if !errors.As(err, &oe) {
			oe = oauth2.NewError(oauth2.ErrServerError, "internal error")
		}
		h.respondOAuthError(w, oe)
		return
	}

	pending, err := h.oauth2Service.StartAuthorization(r.Context(), req)
	if err != nil {
		slog.ErrorContext(r.Context(), "failed to start authorization", logger.Error(err))
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrServerError, "failed to start authorization"))
		return
	}

	expiresIn := int(h.oauth2Service.VerificationCodeLifetime().Seconds())
	respondJSON(w, http.StatusOK, map[string]any{
		"verification_code": pending.VerificationCode,
		"expires_in":        expiresIn,
		"message":           "Send the verification code over chat to approve this request.",
	})
}

// AuthorizeCheck is the 2-second browser poll behind the approval
// page. 404 means unknown code, 410 means the window closed.
func (h *Handler) AuthorizeCheck(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("verification_code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "missing verification_code")
		return
	}

	result, err := h.oauth2Service.CheckApproval(r.Context(), code)
	if err != nil {
		switch {
		case errors.Is(err, oauth2.ErrPendingAuthNotFound):
			respondError(w, http.StatusNotFound, "verification code not found")
		case errors.Is(err, oauth2.ErrPendingAuthExpired):
			respondError(w, http.StatusGone, "verification code expired")
		default:
			respondError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// Token is the token endpoint (RFC 6749 Section 3.2).
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	// Support Basic Auth (RFC 6749 Section 2.3.1)
	if clientID == "" {
		username, password, ok := r.BasicAuth()
		if ok {
			clientID = username
			clientSecret = password
		}
	}

	req := &oauth2.TokenRequest{
		GrantType:    r.Form.Get("grant_type"),
		Code:         r.Form.Get("code"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: r.Form.Get("code_verifier"), // RFC 7636 Section 4.5
		RefreshToken: r.Form.Get("refresh_token"), // RFC 6749 Section 6
	}

	var resp *oauth2.TokenResponse
	var err error

	switch req.GrantType {
	case "authorization_code":
		// RFC 6749 Section 4.1.3
		resp, err = h.oauth2Service.ExchangeCodeForToken(r.Context(), req)
	case "refresh_token":
		// RFC 6749 Section 6
		resp, err = h.oauth2Service.RefreshAccessToken(r.Context(), req)
	default:
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrUnsupportedGrantType, "unsupported grant_type"))
		return
	}

	if err != nil {
		slog.ErrorContext(r.Context(), "token request failed",
			logger.Error(err),
			logger.GrantType(req.GrantType),
			logger.ClientID(req.ClientID),
		)
		h.respondOAuthError(w, err)
		return
	}

	// Prevent caching (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	respondJSON(w, http.StatusOK, resp)
}

// Userinfo resolves a bearer token to the scope-filtered claim set.
func (h *Handler) Userinfo(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="oneidp"`)
		respondError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}

	claims, err := h.oauth2Service.UserInfo(r.Context(), token)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		respondError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}

	respondJSON(w, http.StatusOK, claims)
}

// Revoke handles token revocation (RFC 7009).
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "invalid request"))
		return
	}

	clientID := r.Form.Get("client_id")
	clientSecret := r.Form.Get("client_secret")

	// Support Basic Auth
	if clientID == "" {
		username, password, ok := r.BasicAuth()
		if ok {
			clientID = username
			clientSecret = password
		}
	}

	token := r.Form.Get("token")
	if token == "" {
		h.respondOAuthError(w, oauth2.NewError(oauth2.ErrInvalidRequest, "missing token"))
		return
	}

	client, err := h.oauth2Service.ValidateClientCredentials(clientID, clientSecret)
	if err != nil {
		h.respondOAuthError(w, err)
		return
	}

	h.oauth2Service.Revoke(r.Context(), client, token, r.Form.Get("token_type_hint"))

	// RFC 7009 Section 2.2: respond 200 regardless of whether the
	// token existed, so the endpoint cannot be used for probing.
	w.WriteHeader(http.StatusOK)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return strings.TrimSpace(auth[len(prefix):])
	}
	return ""
}

// redirectWithError appends an RFC 6749 error to a redirect URI.
func redirectWithError(redirectURI string, oe *oauth2.Error, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", oe.Code)
	if oe.Description != "" {
		q.Set("error_description", oe.Description)
	}
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// respondOAuthError serializes a protocol error into HTTP response.
func (h *Handler) respondOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *oauth2.Error
	if errors.As(err, &oauthErr) {
		status := http.StatusBadRequest
		if oauthErr.Code == oauth2.ErrInvalidClient {
			status = http.StatusUnauthorized
		}
		if oauthErr.Code == oauth2.ErrServerError {
			status = http.StatusInternalServerError
		}
		respondJSON(w, status, oauthErr)
		return
	}

	// Fallback for internal errors (opaque)
	respondJSON(w, http.StatusInternalServerError, oauth2.NewError(oauth2.ErrServerError, "internal server error"))
}

func displayClientName(client *oauth2.Client) string {
	if client.Name != "" {
		return client.Name
	}
	return client.ClientID
}
