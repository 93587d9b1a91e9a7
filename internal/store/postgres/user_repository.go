// Copyright 2026 The OpenTrusty Authors
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
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/identity"
)

const pgUniqueViolation = "23505"

// UserRepository implements identity.UserRepository
type UserRepository struct {
	db     *DB
	encKey []byte
}

// NewUserRepository creates a new user repository. encKey seals TOTP secrets at rest.
func NewUserRepository(db *DB, encKey []byte) (*UserRepository, error) {
	switch len(encKey) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidEncryptionKey
	}
	return &UserRepository{db: db, encKey: encKey}, nil
}

const userColumns = `id, tenant_id, username, roles, mfa_secret_encrypted,
	failed_login_attempts, locked_until, created_at, updated_at`

// Create creates a new user identity
func (r *UserRepository) Create(ctx context.Context, user *identity.User) error {
	now := time.Now()
	sealed, err := r.sealSecret(user.MFASecret)
	if err != nil {
		return err
	}

	roles := user.Roles
	if roles == nil {
		roles = []string{}
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO users (id, tenant_id, username, roles, mfa_secret_encrypted, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.TenantID, user.Username, roles, sealed, now, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return identity.ErrUserAlreadyExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// AddCredentials stores or replaces the password hash for a user
func (r *UserRepository) AddCredentials(ctx context.Context, credentials *identity.Credentials) error {
	now := time.Now()

	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, password_hash, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET password_hash = EXCLUDED.password_hash, updated_at = EXCLUDED.updated_at
	`, credentials.UserID, credentials.PasswordHash, now)
	if err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", err)
	}

	credentials.UpdatedAt = now
	return nil
}

// GetByID retrieves a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id string) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return r.scanUser(row)
}

// GetByUsername retrieves a user by login name
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*identity.User, error) {
	row := r.db.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	return r.scanUser(row)
}

// GetCredentials retrieves user credentials
func (r *UserRepository) GetCredentials(ctx context.Context, userID string) (*identity.Credentials, error) {
	var creds identity.Credentials

	err := r.db.pool.QueryRow(ctx, `
		SELECT user_id, password_hash, updated_at
		FROM credentials
		WHERE user_id = $1
	`, userID).Scan(&creds.UserID, &creds.PasswordHash, &creds.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	return &creds, nil
}

// UpdateLockout updates user lockout status
func (r *UserRepository) UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	result, err := r.db.pool.Exec(ctx, `
		UPDATE users
		SET failed_login_attempts = $1, locked_until = $2, updated_at = NOW()
		WHERE id = $3
	`, failedAttempts, lockedUntil, userID)
	if err != nil {
		return fmt.Errorf("failed to update user lockout status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

// UpdateMFASecret sets or clears the TOTP seed
func (r *UserRepository) UpdateMFASecret(ctx context.Context, userID, secret string) error {
	sealed, err := r.sealSecret(secret)
	if err != nil {
		return err
	}

	result, err := r.db.pool.Exec(ctx, `
		UPDATE users SET mfa_secret_encrypted = $1, updated_at = NOW()
		WHERE id = $2
	`, sealed, userID)
	if err != nil {
		return fmt.Errorf("failed to update mfa secret: %w", err)
	}
	if result.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func (r *UserRepository) scanUser(row pgx.Row) (*identity.User, error) {
	var user identity.User
	var sealed []byte

	err := row.Scan(
		&user.ID, &user.TenantID, &user.Username, &user.Roles, &sealed,
		&user.FailedLoginAttempts, &user.LockedUntil, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	if len(sealed) > 0 {
		secret, err := crypto.Open(r.encKey, sealed)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt mfa secret: %w", err)
		}
		user.MFASecret = string(secret)
	}

	return &user, nil
}

func (r *UserRepository) sealSecret(secret string) ([]byte, error) {
	if secret == "" {
		return nil, nil
	}
	sealed, err := crypto.Seal(r.encKey, []byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to seal mfa secret: %w", err)
	}
	return sealed, nil
}
