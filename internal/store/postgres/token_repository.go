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
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/oneidp/oneidp/internal/oauth2"
)

// TokenRepository implements oauth2.TokenRepository
type TokenRepository struct {
	db *DB
}

// NewTokenRepository creates a new token repository
func NewTokenRepository(db *DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `
	id, access_token, refresh_token, token_type, client_id, bind_user_id,
	uin, scope, created_at, access_token_expires_at, refresh_token_expires_at, is_revoked`

// Create inserts a new token pair
func (r *TokenRepository) Create(token *oauth2.OAuthToken) error {
	ctx := context.Background()

	var refreshToken sql.NullString
	if token.RefreshToken != "" {
		refreshToken = sql.NullString{String: token.RefreshToken, Valid: true}
	}
	var refreshExpires sql.NullTime
	if token.RefreshTokenExpiresAt != nil {
		refreshExpires = sql.NullTime{Time: *token.RefreshTokenExpiresAt, Valid: true}
	}

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO oauth_token (`+tokenColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		token.ID, token.AccessToken, refreshToken, token.TokenType, token.ClientID,
		token.BindUserID, token.Uin, token.Scope, token.CreatedAt,
		token.AccessTokenExpiresAt, refreshExpires, token.IsRevoked,
	)

	if err != nil {
		return fmt.Errorf("failed to create oauth token: %w", err)
	}

	return nil
}

func (r *TokenRepository) scanOne(row pgx.Row) (*oauth2.OAuthToken, error) {
	var t oauth2.OAuthToken
	var refreshToken sql.NullString
	var refreshExpires sql.NullTime

	err := row.Scan(
		&t.ID, &t.AccessToken, &refreshToken, &t.TokenType, &t.ClientID,
		&t.BindUserID, &t.Uin, &t.Scope, &t.CreatedAt,
		&t.AccessTokenExpiresAt, &refreshExpires, &t.IsRevoked,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, oauth2.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get oauth token: %w", err)
	}

	if refreshToken.Valid {
		t.RefreshToken = refreshToken.String
	}
	if refreshExpires.Valid {
		t.RefreshTokenExpiresAt = &refreshExpires.Time
	}

	return &t, nil
}

// GetByAccessToken retrieves a token row by access token value
func (r *TokenRepository) GetByAccessToken(accessToken string, validOnly bool) (*oauth2.OAuthToken, error) {
	ctx := context.Background()

	query := `SELECT` + tokenColumns + ` FROM oauth_token WHERE access_token = $1`
	if validOnly {
		query += ` AND NOT is_revoked AND access_token_expires_at > now()`
	}

	return r.scanOne(r.db.pool.QueryRow(ctx, query, accessToken))
}

// GetByRefreshToken retrieves a token row by refresh token value
func (r *TokenRepository) GetByRefreshToken(refreshToken string, validOnly bool) (*oauth2.OAuthToken, error) {
	ctx := context.Background()

	query := `SELECT` + tokenColumns + ` FROM oauth_token WHERE refresh_token = $1`
	if validOnly {
		query += ` AND NOT is_revoked AND refresh_token_expires_at > now()`
	}

	return r.scanOne(r.db.pool.QueryRow(ctx, query, refreshToken))
}

// Revoke marks a token row revoked
func (r *TokenRepository) Revoke(id string) error {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		UPDATE oauth_token SET is_revoked = true WHERE id = $1
	`, id)

	if err != nil {
		return fmt.Errorf("failed to revoke oauth token: %w", err)
	}

	if result.RowsAffected() == 0 {
		return oauth2.ErrTokenNotFound
	}

	return nil
}

// RevokeAllUserTokens revokes every live token for a UIN, optionally
// scoped to one client.
func (r *TokenRepository) RevokeAllUserTokens(uin int64, clientID string) (int64, error) {
	ctx := context.Background()

	query := `UPDATE oauth_token SET is_revoked = true WHERE uin = $1 AND NOT is_revoked`
	args := []any{uin}
	if clientID != "" {
		query += ` AND client_id = $2`
		args = append(args, clientID)
	}

	result, err := r.db.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke user tokens: %w", err)
	}

	return result.RowsAffected(), nil
}

// DeleteExpired removes rows whose access and refresh lifetimes have
// both passed.
func (r *TokenRepository) DeleteExpired() (int64, error) {
	ctx := context.Background()

	result, err := r.db.pool.Exec(ctx, `
		DELETE FROM oauth_token
		WHERE access_token_expires_at < $1
		  AND (refresh_token_expires_at IS NULL OR refresh_token_expires_at < $1)
	`, time.Now())

	if err != nil {
		return 0, fmt.Errorf("failed to delete expired oauth tokens: %w", err)
	}

	return result.RowsAffected(), nil
}
