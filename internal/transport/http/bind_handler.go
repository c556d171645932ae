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
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/bot"
	"github.com/oneidp/oneidp/internal/observability/logger"
)

// Callback finishes the bind flow when the upstream IDP redirects
// back. On success the chat context that issued /sso bind gets a
// confirmation message.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if upstreamErr := query.Get("error"); upstreamErr != "" {
		renderPage(w, http.StatusBadRequest, resultPageData{
			Title:   "Sign-in declined",
			Message: "The identity provider reported: " + upstreamErr + ". You can retry the link from chat.",
		})
		return
	}

	state := query.Get("state")
	code := query.Get("code")
	if state == "" || code == "" {
		renderPage(w, http.StatusBadRequest, resultPageData{
			Title:   "Invalid callback",
			Message: "Missing state or code parameter.",
		})
		return
	}

	result, err := h.bindingService.CompleteBind(r.Context(), state, code)
	if err != nil {
		slog.ErrorContext(r.Context(), "bind callback failed", logger.Error(err))
		h.renderBindError(w, err)
		return
	}

	h.notifyBindComplete(r.Context(), result)

	renderPage(w, http.StatusOK, resultPageData{
		Title:   "Account linked",
		Ok:      true,
		Message: fmt.Sprintf("Your %s account is now linked. You can close this page and return to chat.", h.providerName),
	})
}

func (h *Handler) renderBindError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, binding.ErrPendingBindNotFound):
		renderPage(w, http.StatusGone, resultPageData{
			Title:   "Link expired",
			Message: "This bind link is invalid or has expired. Request a new one from chat.",
		})
	case errors.Is(err, binding.ErrUinAlreadyBound):
		renderPage(w, http.StatusConflict, resultPageData{
			Title:   "Already linked",
			Message: "This chat account is already linked.",
		})
	case errors.Is(err, binding.ErrSubAlreadyBound):
		renderPage(w, http.StatusConflict, resultPageData{
			Title:   "Already linked",
			Message: fmt.Sprintf("This %s account is already linked to a different chat account.", h.providerName),
		})
	default:
		// Upstream exchange or userinfo failure. The pending bind is
		// left intact, so the same link works on retry.
		renderPage(w, http.StatusBadGateway, resultPageData{
			Title:   "Sign-in failed",
			Message: "Could not fetch your account from the identity provider. Reload to retry.",
		})
	}
}

func (h *Handler) notifyBindComplete(ctx context.Context, result *binding.BindResult) {
	if h.notifier == nil {
		return
	}

	who := result.User.PreferredUsername
	if who == "" {
		who = result.User.Sub
	}
	msg := fmt.Sprintf("Binding complete: linked to %s account %s.", h.providerName, who)

	var err error
	if result.SourceType == "group" {
		err = h.notifier.SendGroupMsg(ctx, result.SourceID, bot.Mention(result.User.Uin)+msg)
	} else {
		err = h.notifier.SendPrivateMsg(ctx, result.User.Uin, msg)
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to deliver bind confirmation",
			logger.Error(err),
			logger.Uin(result.User.Uin),
		)
	}
}
