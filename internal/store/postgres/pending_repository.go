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

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
)

// PendingBindRepository implements binding.PendingBindRepository
type PendingBindRepository struct {
	db *DB
}

// NewPendingBindRepository creates a new pending bind repository
func NewPendingBindRepository(db *DB) *PendingBindRepository {
	return &PendingBindRepository{db: db}
}

// Create inserts a new pending bind
func (r *PendingBindRepository) Create(pending *binding.PendingBind) error {
	ctx := context.Background()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO pending_bind (
			id, state, uin, username, source_type, source_id, created_at, expires_at, is_used
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		pending.ID, pending.State, pending.Uin, pending.Username,
		pending.SourceType, pending.SourceID, pending.CreatedAt, pending.ExpiresAt, pending.IsUsed,
	)

	if err != nil {
		return fmt.Errorf("failed to create pending bind: %w", err)
	}

	return nil
}

// GetByState retrieves a pending bind by its state token
func (r *PendingBindRepository) GetByState(state string, validOnly bool) (*binding.PendingBind, error) {
	ctx := context.Background()

	query := `
		SELECT id, state, uin, username, source_type, source_id, created_at, expires_at, is_used
		FROM pending_bind
		WHERE state = $1`
	if validOnly {
		query += ` AND NOT is_used AND expires_at > now()`
	}

	var pending binding.PendingBind
	err := r.db.pool.QueryRow(ctx, query, state).Scan(
		&pending.ID, &pending.State, &pending.Uin, &pending.Username,
		&pending.SourceType, &pending.SourceID, &pending.CreatedAt, &pending.ExpiresAt, &pending.IsUsed,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, binding.ErrPendingBindNotFound
		}
		return nil, fmt.Errorf("failed to get pending bind: %w", err)
	}

	return &pending, nil
}

// MarkUsed flips is_used
func (r *PendingBindRepository) MarkUsed(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE pending_bind SET is_used = true WHERE id = $1 AND NOT is_used
	`, id)

	if err != nil {
		return fmt.Errorf("failed to mark pending bind used: %w", err)
	}

	if result.RowsAffected() == 0 {
		return binding.ErrPendingBindNotFound
	}

	return nil
}

// DeleteExpired removes expired pending binds
func (r *PendingBindRepository) DeleteExpired() (int64, error) {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM pending_bind WHERE expires_at < $1
	`, time.Now())

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending binds: %w", err)
	}

	return result.RowsAffected(), nil
}

// PendingUnbindRepository implements binding.PendingUnbindRepository
type PendingUnbindRepository struct {
	db *DB
}

// NewPendingUnbindRepository creates a new pending unbind repository
func NewPendingUnbindRepository(db *DB) *PendingUnbindRepository {
	return &PendingUnbindRepository{db: db}
}

// Create inserts a pending unbind after dropping any earlier request
// for the same UIN.
func (r *PendingUnbindRepository) Create(pending *binding.PendingUnbind) error {
	ctx := context.Background()

	tx, err := r.db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		DELETE FROM pending_unbind WHERE uin = $1
	`, pending.Uin); err != nil {
		return fmt.Errorf("failed to supersede pending unbind: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO pending_unbind (
			id, uin, username, bind_user_id, source_type, source_id, created_at, expires_at, is_processed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		pending.ID, pending.Uin, pending.Username, pending.BindUserID,
		pending.SourceType, pending.SourceID, pending.CreatedAt, pending.ExpiresAt, pending.IsProcessed,
	); err != nil {
		return fmt.Errorf("failed to create pending unbind: %w", err)
	}

	return tx.Commit(ctx)
}

// GetByUin retrieves a pending unbind
func (r *PendingUnbindRepository) GetByUin(uin int64, validOnly bool) (*binding.PendingUnbind, error) {
	ctx := context.Background()

	query := `
		SELECT id, uin, username, bind_user_id, source_type, source_id, created_at, expires_at, is_processed
		FROM pending_unbind
		WHERE uin = $1`
	if validOnly {
		query += ` AND NOT is_processed AND expires_at > now()`
	}
	query += ` ORDER BY created_at DESC LIMIT 1`

	var pending binding.PendingUnbind
	err := r.db.pool.QueryRow(ctx, query, uin).Scan(
		&pending.ID, &pending.Uin, &pending.Username, &pending.BindUserID,
		&pending.SourceType, &pending.SourceID, &pending.CreatedAt, &pending.ExpiresAt, &pending.IsProcessed,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, binding.ErrNoPendingUnbind
		}
		return nil, fmt.Errorf("failed to get pending unbind: %w", err)
	}

	return &pending, nil
}

// MarkProcessed flips is_processed
func (r *PendingUnbindRepository) MarkProcessed(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE pending_unbind SET is_processed = true WHERE id = $1 AND NOT is_processed
	`, id)

	if err != nil {
		return fmt.Errorf("failed to mark pending unbind processed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return binding.ErrNoPendingUnbind
	}

	return nil
}

// DeleteExpired removes expired pending unbinds
func (r *PendingUnbindRepository) DeleteExpired() (int64, error) {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM pending_unbind WHERE expires_at < $1
	`, time.Now())

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending unbinds: %w", err)
	}

	return result.RowsAffected(), nil
}

// PendingAuthRepository implements oauth2.PendingAuthRepository
type PendingAuthRepository struct {
	db *DB
}

// NewPendingAuthRepository creates a new pending auth repository
func NewPendingAuthRepository(db *DB) *PendingAuthRepository {
	return &PendingAuthRepository{db: db}
}

const pendingAuthColumns = `
	id, verification_code, auth_code, client_id, redirect_uri, scope,
	state, nonce, code_challenge, code_challenge_method, uin, bind_user_id,
	client_ip, user_agent, created_at, expires_at, is_approved, is_used`

// Create inserts a new pending authorization
func (r *PendingAuthRepository) Create(pending *oauth2.PendingAuth) error {
	ctx := context.Background()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO pending_auth (`+pendingAuthColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		pending.ID, pending.VerificationCode, pending.AuthCode, pending.ClientID,
		pending.RedirectURI, pending.Scope, pending.State, pending.Nonce,
		pending.CodeChallenge, pending.CodeChallengeMethod, pending.Uin, pending.BindUserID,
		pending.ClientIP, pending.UserAgent, pending.CreatedAt, pending.ExpiresAt,
		pending.IsApproved, pending.IsUsed,
	)

	if err != nil {
		return fmt.Errorf("failed to create pending auth: %w", err)
	}

	return nil
}

func (r *PendingAuthRepository) scanOne(row pgx.Row) (*oauth2.PendingAuth, error) {
	var p oauth2.PendingAuth
	err := row.Scan(
		&p.ID, &p.VerificationCode, &p.AuthCode, &p.ClientID,
		&p.RedirectURI, &p.Scope, &p.State, &p.Nonce,
		&p.CodeChallenge, &p.CodeChallengeMethod, &p.Uin, &p.BindUserID,
		&p.ClientIP, &p.UserAgent, &p.CreatedAt, &p.ExpiresAt,
		&p.IsApproved, &p.IsUsed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrPendingAuthNotFound
		}
		return nil, fmt.Errorf("failed to get pending auth: %w", err)
	}
	return &p, nil
}

// GetByVerificationCode retrieves by verification code. The valid
// predicate is unclaimed-side: not used, not yet approved, unexpired.
func (r *PendingAuthRepository) GetByVerificationCode(code string, validOnly bool) (*oauth2.PendingAuth, error) {
	ctx := context.Background()

	query := `SELECT` + pendingAuthColumns + ` FROM pending_auth WHERE verification_code = $1`
	if validOnly {
		query += ` AND NOT is_used AND NOT is_approved AND expires_at > now()`
	}

	return r.scanOne(r.db.pool.QueryRow(ctx, query, code))
}

// GetByAuthCode retrieves by auth code. The valid predicate is
// exchange-side: approved, not used, unexpired.
func (r *PendingAuthRepository) GetByAuthCode(code string, validOnly bool) (*oauth2.PendingAuth, error) {
	ctx := context.Background()

	query := `SELECT` + pendingAuthColumns + ` FROM pending_auth WHERE auth_code = $1`
	if validOnly {
		query += ` AND is_approved AND NOT is_used AND expires_at > now()`
	}

	return r.scanOne(r.db.pool.QueryRow(ctx, query, code))
}

// Claim atomically assigns an unclaimed row to a user. The WHERE on
// uin = 0 makes exactly one of two concurrent claimers win.
func (r *PendingAuthRepository) Claim(id string, uin int64, bindUserID string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE pending_auth SET uin = $2, bind_user_id = $3
		WHERE id = $1 AND uin = 0
	`, id, uin, bindUserID)

	if err != nil {
		return fmt.Errorf("failed to claim pending auth: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth2.ErrAlreadyClaimed
	}

	return nil
}

// Approve sets is_approved without touching is_used
func (r *PendingAuthRepository) Approve(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE pending_auth SET is_approved = true
		WHERE id = $1 AND NOT is_used AND expires_at > now()
	`, id)

	if err != nil {
		return fmt.Errorf("failed to approve pending auth: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth2.ErrPendingAuthNotFound
	}

	return nil
}

// MarkUsed flips is_used; a stale precondition means a concurrent
// exchange already consumed the code.
func (r *PendingAuthRepository) MarkUsed(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE pending_auth SET is_used = true WHERE id = $1 AND NOT is_used
	`, id)

	if err != nil {
		return fmt.Errorf("failed to mark pending auth used: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth2.ErrCodeAlreadyUsed
	}

	return nil
}

// DeleteExpired removes expired pending authorizations
func (r *PendingAuthRepository) DeleteExpired() (int64, error) {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM pending_auth WHERE expires_at < $1
	`, time.Now())

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired pending auths: %w", err)
	}

	return result.RowsAffected(), nil
}
