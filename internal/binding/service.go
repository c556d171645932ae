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

package binding

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/oneidp/oneidp/internal/audit"
	"github.com/oneidp/oneidp/internal/ssoclient"
)

// UpstreamClient is the slice of the SSO relying-party client the
// bind flow needs.
type UpstreamClient interface {
	ProviderName() string
	AuthorizationURL(ctx context.Context, state string) (string, error)
	ExchangeCode(ctx context.Context, code string) (*ssoclient.TokenSet, error)
	GetUserinfo(ctx context.Context, accessToken string) (*ssoclient.UserInfo, error)
}

// Config controls bind-flow behavior.
type Config struct {
	StoredFields     []string
	StoreBindTime    bool
	BindLinkLifetime time.Duration
	UnbindLifetime   time.Duration
}

// Service implements the bind and unbind flows on top of the pending
// state machines.
type Service struct {
	users       BindUserRepository
	pendingBind PendingBindRepository
	pendingUnb  PendingUnbindRepository
	unbindLog   UnbindLogRepository
	upstream    UpstreamClient
	auditLogger audit.Logger
	cfg         Config
}

// NewService creates a new binding service
func NewService(
	users BindUserRepository,
	pendingBind PendingBindRepository,
	pendingUnb PendingUnbindRepository,
	unbindLog UnbindLogRepository,
	upstream UpstreamClient,
	auditLogger audit.Logger,
	cfg Config,
) *Service {
	if cfg.BindLinkLifetime == 0 {
		cfg.BindLinkLifetime = 5 * time.Minute
	}
	if cfg.UnbindLifetime == 0 {
		cfg.UnbindLifetime = 5 * time.Minute
	}
	return &Service{
		users:       users,
		pendingBind: pendingBind,
		pendingUnb:  pendingUnb,
		unbindLog:   unbindLog,
		upstream:    upstream,
		auditLogger: auditLogger,
		cfg:         cfg,
	}
}

// StartBind rejects already-bound callers, persists a PendingBind and
// returns the upstream authorization URL to visit. The pending row is
// durable before the URL is handed out.
func (s *Service) StartBind(ctx context.Context, uin int64, username, sourceType string, sourceID int64) (string, error) {
	if _, err := s.users.GetByUin(uin); err == nil {
		return "", ErrUinAlreadyBound
	}

	now := time.Now()
	pending := &PendingBind{
		ID:         uuid.NewString(),
		State:      newStateToken(),
		Uin:        uin,
		Username:   username,
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.BindLinkLifetime),
	}
	if err := s.pendingBind.Create(pending); err != nil {
		return "", fmt.Errorf("failed to persist pending bind: %w", err)
	}

	authURL, err := s.upstream.AuthorizationURL(ctx, pending.State)
	if err != nil {
		return "", fmt.Errorf("failed to build authorization url: %w", err)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeBindStarted,
		Uin:      uin,
		Resource: "pending_bind",
		Metadata: map[string]any{"username": username},
	})

	return authURL, nil
}

// BindResult is what the callback page and the chat notification need
// after a completed bind.
type BindResult struct {
	User       *BindUser
	SourceType string
	SourceID   int64
	Username   string
}

// CompleteBind consumes the upstream callback. An upstream failure
// leaves the pending row intact so the user can retry the link until
// it expires.
func (s *Service) CompleteBind(ctx context.Context, state, code string) (*BindResult, error) {
	pending, err := s.pendingBind.GetByState(state, true)
	if err != nil {
		return nil, ErrPendingBindNotFound
	}

	tokens, err := s.upstream.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("upstream exchange failed: %w", err)
	}
	info, err := s.upstream.GetUserinfo(ctx, tokens.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("upstream userinfo failed: %w", err)
	}

	// Conflicts are terminal: the link must not stay replayable for
	// the rest of its window.
	if _, err := s.users.GetByUin(pending.Uin); err == nil {
		_ = s.pendingBind.MarkUsed(pending.ID)
		return nil, ErrUinAlreadyBound
	}
	if _, err := s.users.GetBySub(info.Sub); err == nil {
		_ = s.pendingBind.MarkUsed(pending.ID)
		return nil, ErrSubAlreadyBound
	}

	user := &BindUser{
		ID:                uuid.NewString(),
		Uin:               pending.Uin,
		Sub:               info.Sub,
		Email:             info.Email,
		PreferredUsername: info.PreferredUsername,
		ExtraData:         s.projectExtraData(info.RawData),
		BindTime:          time.Now(),
		IsActive:          true,
	}
	if err := s.users.Create(user); err != nil {
		return nil, fmt.Errorf("failed to persist binding: %w", err)
	}

	if err := s.pendingBind.MarkUsed(pending.ID); err != nil {
		return nil, err
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeBindCreated,
		Uin:      user.Uin,
		Sub:      user.Sub,
		Resource: "bind_user",
		Metadata: map[string]any{"preferred_username": user.PreferredUsername},
	})

	return &BindResult{
		User:       user,
		SourceType: pending.SourceType,
		SourceID:   pending.SourceID,
		Username:   pending.Username,
	}, nil
}

// projectExtraData copies the configured stored_fields out of the raw
// upstream claim set. Core columns are excluded.
func (s *Service) projectExtraData(raw map[string]any) map[string]any {
	extra := map[string]any{}
	for _, field := range s.cfg.StoredFields {
		switch field {
		case "sub", "email", "preferred_username":
			continue
		}
		if v, ok := raw[field]; ok {
			extra[field] = v
		}
	}
	return extra
}

// StartUnbind verifies the caller owns the binding and stages a
// confirmation window. The supplied username must match the active
// binding's preferred_username or email (case-insensitive) or its sub
// (exact).
func (s *Service) StartUnbind(ctx context.Context, uin int64, username, sourceType string, sourceID int64) (*PendingUnbind, error) {
	user, err := s.users.GetByUin(uin)
	if err != nil {
		return nil, ErrBindUserNotFound
	}

	if !matchesIdentity(user, username) {
		return nil, ErrUsernameMismatch
	}

	now := time.Now()
	pending := &PendingUnbind{
		ID:         uuid.NewString(),
		Uin:        uin,
		Username:   username,
		BindUserID: user.ID,
		SourceType: sourceType,
		SourceID:   sourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.cfg.UnbindLifetime),
	}
	// Create supersedes any earlier request for this UIN.
	if err := s.pendingUnb.Create(pending); err != nil {
		return nil, fmt.Errorf("failed to persist pending unbind: %w", err)
	}
	return pending, nil
}

func matchesIdentity(user *BindUser, username string) bool {
	if strings.EqualFold(user.PreferredUsername, username) && user.PreferredUsername != "" {
		return true
	}
	if strings.EqualFold(user.Email, username) && user.Email != "" {
		return true
	}
	return user.Sub == username
}

// ConfirmUnbind deactivates the binding named by a valid pending
// unbind.
func (s *Service) ConfirmUnbind(ctx context.Context, uin int64) (*BindUser, error) {
	pending, err := s.pendingUnb.GetByUin(uin, true)
	if err != nil {
		return nil, ErrNoPendingUnbind
	}

	user, err := s.users.GetByUin(uin)
	if err != nil {
		return nil, ErrBindUserNotFound
	}

	if err := s.users.Deactivate(user.ID); err != nil {
		return nil, fmt.Errorf("failed to deactivate binding: %w", err)
	}

	_ = s.unbindLog.Create(&UnbindLog{
		ID:        uuid.NewString(),
		Uin:       uin,
		Sub:       user.Sub,
		IsUnbind:  true,
		Reason:    "confirm",
		CreatedAt: time.Now(),
	})

	if err := s.pendingUnb.MarkProcessed(pending.ID); err != nil {
		return nil, err
	}

	// Outstanding tokens are not cascaded; they live out their TTL.
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeBindRemoved,
		Uin:      uin,
		Sub:      user.Sub,
		Resource: "bind_user",
	})

	return user, nil
}

// CancelUnbind withdraws a pending unbind request.
func (s *Service) CancelUnbind(ctx context.Context, uin int64) error {
	pending, err := s.pendingUnb.GetByUin(uin, true)
	if err != nil {
		return ErrNoPendingUnbind
	}

	_ = s.unbindLog.Create(&UnbindLog{
		ID:        uuid.NewString(),
		Uin:       uin,
		IsUnbind:  false,
		Reason:    "cancel",
		CreatedAt: time.Now(),
	})

	return s.pendingUnb.MarkProcessed(pending.ID)
}

// Status returns the caller's active binding.
func (s *Service) Status(ctx context.Context, uin int64) (*BindUser, error) {
	user, err := s.users.GetByUin(uin)
	if err != nil {
		return nil, ErrBindUserNotFound
	}
	return user, nil
}

// CleanupExpired drops expired pending bind and unbind rows.
func (s *Service) CleanupExpired(ctx context.Context) (binds, unbinds int64) {
	binds, _ = s.pendingBind.DeleteExpired()
	unbinds, _ = s.pendingUnb.DeleteExpired()
	return binds, unbinds
}

// newStateToken generates the 192-bit state parameter for the
// upstream authorization redirect.
func newStateToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("binding: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
