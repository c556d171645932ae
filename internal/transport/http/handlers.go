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
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
	"github.com/oneidp/oneidp/internal/oidc"
	"github.com/oneidp/oneidp/internal/ratelimit"
)

// ChatNotifier delivers a message back to the chat context a flow
// started from. Satisfied by the bot manager.
type ChatNotifier interface {
	SendGroupMsg(ctx context.Context, groupID int64, message string) error
	SendPrivateMsg(ctx context.Context, userID int64, message string) error
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	oauth2Service  *oauth2.Service
	bindingService *binding.Service
	oidcService    *oidc.Service
	auditLogger    audit.Logger
	notifier       ChatNotifier
	providerName   string
	commandPrefix  string
}

// NewHandler creates a new HTTP handler. notifier may be nil when no
// bot transport is configured. commandPrefix is shown to users on the
// approval page and must match the dispatcher's prefix.
func NewHandler(
	oauth2Service *oauth2.Service,
	bindingService *binding.Service,
	oidcService *oidc.Service,
	auditLogger audit.Logger,
	notifier ChatNotifier,
	providerName string,
	commandPrefix string,
) *Handler {
	if commandPrefix == "" {
		commandPrefix = "/sso"
	}
	return &Handler{
		oauth2Service:  oauth2Service,
		bindingService: bindingService,
		oidcService:    oidcService,
		auditLogger:    auditLogger,
		notifier:       notifier,
		providerName:   providerName,
		commandPrefix:  commandPrefix,
	}
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, limiter *ratelimit.Limiter) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/", h.Index)
	r.Get("/health", h.HealthCheck)

	// OIDC Discovery (OIDC Discovery Section 4)
	r.Get("/.well-known/openid-configuration", h.Discovery)

	// Authorization flow (RFC 6749 Section 4.1.1). The check endpoint
	// is polled by the approval page and is deliberately unthrottled.
	r.With(RateLimitMiddleware(limiter, ratelimit.BucketAuthorize)).Get("/authorize", h.Authorize)
	r.With(RateLimitMiddleware(limiter, ratelimit.BucketAuthorize)).Get("/authorize/pending", h.AuthorizePending)
	r.Get("/authorize/check", h.AuthorizeCheck)

	// Token endpoint (RFC 6749 Section 4.1.3)
	r.With(RateLimitMiddleware(limiter, ratelimit.BucketToken)).Post("/token", h.Token)

	r.Get("/userinfo", h.Userinfo)

	// Revoke endpoint (RFC 7009)
	r.Post("/revoke", h.Revoke)

	// Upstream SSO callback for the bind flow
	r.Get("/callback", h.Callback)

	return r
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "oneidp",
	})
}

// Index serves a minimal landing page so probing the root does not
// look like an error.
func (h *Handler) Index(w http.ResponseWriter, r *http.Request) {
	renderPage(w, http.StatusOK, resultPageData{
		Title:   "OneIDP",
		Ok:      true,
		Message: "Identity provider is running. Use /bind from chat to link your account.",
	})
}

// Discovery serves the OIDC provider metadata.
func (h *Handler) Discovery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.oidcService.GetDiscoveryMetadata())
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

func getIPAddress(r *http.Request) string {
	// Check X-Forwarded-For header first; only the first hop counts.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
