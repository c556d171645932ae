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
	"errors"
	"time"
)

// Domain errors (Internal)
var (
	ErrBindUserNotFound    = errors.New("bind user not found")
	ErrUinAlreadyBound     = errors.New("uin already has an active binding")
	ErrSubAlreadyBound     = errors.New("sub already has an active binding")
	ErrPendingBindNotFound = errors.New("pending bind not found")
	ErrPendingBindUsed     = errors.New("pending bind already used")
	ErrNoPendingUnbind     = errors.New("no pending unbind request")
	ErrUsernameMismatch    = errors.New("username does not match the active binding")
)

// BindUser is the durable association of one chat UIN to one upstream
// SSO subject. Deactivation is logical; rows are never deleted.
type BindUser struct {
	ID                string
	Uin               int64
	Sub               string
	Email             string
	PreferredUsername string
	ExtraData         map[string]any
	BindTime          time.Time
	IsActive          bool
}

// PendingBind is a transient bind request awaiting the upstream
// callback. Keyed by the state token.
type PendingBind struct {
	ID         string
	State      string
	Uin        int64
	Username   string
	SourceType string // group, private
	SourceID   int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IsUsed     bool
}

// IsValid reports whether the pending bind can still be consumed.
func (p *PendingBind) IsValid(now time.Time) bool {
	return !p.IsUsed && now.Before(p.ExpiresAt)
}

// PendingUnbind is a transient unbind request awaiting chat
// confirmation. Keyed by UIN.
type PendingUnbind struct {
	ID          string
	Uin         int64
	Username    string
	BindUserID  string
	SourceType  string
	SourceID    int64
	CreatedAt   time.Time
	ExpiresAt   time.Time
	IsProcessed bool
}

// IsValid reports whether the pending unbind can still be confirmed.
func (p *PendingUnbind) IsValid(now time.Time) bool {
	return !p.IsProcessed && now.Before(p.ExpiresAt)
}

// UnbindLog is an append-only record of unbind requests and their
// outcome.
type UnbindLog struct {
	ID        string
	Uin       int64
	Sub       string
	IsUnbind  bool
	Reason    string
	CreatedAt time.Time
}

// BindUserRepository defines the interface for binding persistence
type BindUserRepository interface {
	// Create inserts an active binding. Fails when another active row
	// exists for the same uin or sub.
	Create(user *BindUser) error

	// GetByUin retrieves the active binding for a UIN
	GetByUin(uin int64) (*BindUser, error)

	// GetBySub retrieves the active binding for an upstream subject
	GetBySub(sub string) (*BindUser, error)

	// Deactivate flips is_active to false
	Deactivate(id string) error
}

// PendingBindRepository defines the interface for pending bind persistence
type PendingBindRepository interface {
	Create(pending *PendingBind) error

	// GetByState retrieves a pending bind; validOnly applies the
	// !is_used and not-expired predicate.
	GetByState(state string, validOnly bool) (*PendingBind, error)

	// MarkUsed flips is_used; returns ErrPendingBindNotFound when no
	// row was affected.
	MarkUsed(id string) error

	DeleteExpired() (int64, error)
}

// PendingUnbindRepository defines the interface for pending unbind persistence
type PendingUnbindRepository interface {
	// Create inserts a pending unbind, superseding any earlier row
	// for the same UIN.
	Create(pending *PendingUnbind) error

	GetByUin(uin int64, validOnly bool) (*PendingUnbind, error)

	// MarkProcessed flips is_processed; returns ErrNoPendingUnbind
	// when no row was affected.
	MarkProcessed(id string) error

	DeleteExpired() (int64, error)
}

// UnbindLogRepository is append-only
type UnbindLogRepository interface {
	Create(entry *UnbindLog) error
}
