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
	"fmt"

	"github.com/oneidp/oneidp/internal/binding"
	"github.com/oneidp/oneidp/internal/oauth2"
)

// AuthorizationLogRepository implements oauth2.AuthorizationLogRepository.
// Rows are append-only and never mutated.
type AuthorizationLogRepository struct {
	db *DB
}

// NewAuthorizationLogRepository creates a new authorization log repository
func NewAuthorizationLogRepository(db *DB) *AuthorizationLogRepository {
	return &AuthorizationLogRepository{db: db}
}

// Create appends an authorization log entry
func (r *AuthorizationLogRepository) Create(entry *oauth2.AuthorizationLog) error {
	ctx := context.Background()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO authorization_log (id, uin, bind_user_id, client_id, scope, client_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.ID, entry.Uin, entry.BindUserID, entry.ClientID,
		entry.Scope, entry.ClientIP, entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create authorization log: %w", err)
	}

	return nil
}

// UnbindLogRepository implements binding.UnbindLogRepository
type UnbindLogRepository struct {
	db *DB
}

// NewUnbindLogRepository creates a new unbind log repository
func NewUnbindLogRepository(db *DB) *UnbindLogRepository {
	return &UnbindLogRepository{db: db}
}

// Create appends an unbind log entry
func (r *UnbindLogRepository) Create(entry *binding.UnbindLog) error {
	ctx := context.Background()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO unbind_log (id, uin, sub, is_unbind, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		entry.ID, entry.Uin, entry.Sub, entry.IsUnbind, entry.Reason, entry.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create unbind log: %w", err)
	}

	return nil
}
