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
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/oneidp/oneidp/internal/binding"
)

// BindUserRepository implements binding.BindUserRepository
type BindUserRepository struct {
	db *DB
}

// NewBindUserRepository creates a new bind user repository
func NewBindUserRepository(db *DB) *BindUserRepository {
	return &BindUserRepository{db: db}
}

// Create inserts an active binding. The partial unique indexes on
// (uin) and (sub) reject a concurrent second active row.
func (r *BindUserRepository) Create(user *binding.BindUser) error {
	ctx := context.Background()

	extra, err := json.Marshal(user.ExtraData)
	if err != nil {
		return fmt.Errorf("failed to encode extra_data: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO bind_user (
			id, uin, sub, email, preferred_username, extra_data, bind_time, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		user.ID, user.Uin, user.Sub, user.Email, user.PreferredUsername,
		extra, user.BindTime, user.IsActive,
	)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "idx_bind_user_sub_active" {
				return binding.ErrSubAlreadyBound
			}
			return binding.ErrUinAlreadyBound
		}
		return fmt.Errorf("failed to create bind user: %w", err)
	}

	return nil
}

// GetByUin retrieves the active binding for a UIN
func (r *BindUserRepository) GetByUin(uin int64) (*binding.BindUser, error) {
	return r.getBy("uin = $1", uin)
}

// GetBySub retrieves the active binding for an upstream subject
func (r *BindUserRepository) GetBySub(sub string) (*binding.BindUser, error) {
	return r.getBy("sub = $1", sub)
}

func (r *BindUserRepository) getBy(where string, arg any) (*binding.BindUser, error) {
	ctx := context.Background()

	var user binding.BindUser
	var extra []byte

	err := r.db.pool.QueryRow(ctx, `
		SELECT id, uin, sub, email, preferred_username, extra_data, bind_time, is_active
		FROM bind_user
		WHERE `+where+` AND is_active
	`, arg).Scan(
		&user.ID, &user.Uin, &user.Sub, &user.Email, &user.PreferredUsername,
		&extra, &user.BindTime, &user.IsActive,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, binding.ErrBindUserNotFound
		}
		return nil, fmt.Errorf("failed to get bind user: %w", err)
	}

	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &user.ExtraData); err != nil {
			return nil, fmt.Errorf("failed to decode extra_data: %w", err)
		}
	}

	return &user, nil
}

// Deactivate flips is_active to false
func (r *BindUserRepository) Deactivate(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE bind_user SET is_active = false WHERE id = $1 AND is_active
	`, id)

	if err != nil {
		return fmt.Errorf("failed to deactivate bind user: %w", err)
	}

	if result.RowsAffected() == 0 {
		return binding.ErrBindUserNotFound
	}

	return nil
}
