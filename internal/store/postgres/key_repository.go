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

	"github.com/opentrusty/tokencore/internal/keys"
)

// ErrInvalidEncryptionKey is returned for key encryption keys that are not 16, 24 or 32 bytes.
var ErrInvalidEncryptionKey = errors.New("key encryption key must be 16, 24 or 32 bytes")

// KeyRepository stores provisioned signing keys and implements keys.Loader.
type KeyRepository struct {
	db     *DB
	encKey []byte
	now    func() time.Time
}

// NewKeyRepository creates a new key repository. encKey seals private seeds at rest.
func NewKeyRepository(db *DB, encKey []byte) (*KeyRepository, error) {
	switch len(encKey) {
	case 16, 24, 32:
	default:
		return nil, ErrInvalidEncryptionKey
	}
	return &KeyRepository{db: db, encKey: encKey, now: time.Now}, nil
}

// Create stores a new key
func (r *KeyRepository) Create(ctx context.Context, key *keys.SigningKeyPair) error {
	sealed, err := key.SealPrivateKey(r.encKey)
	if err != nil {
		return fmt.Errorf("failed to seal private key: %w", err)
	}

	_, err = r.db.pool.Exec(ctx, `
		INSERT INTO signing_keys (
			kid, algorithm, public_key, private_key_encrypted, created_at, sign_until, verify_until
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		key.KeyID, key.Algorithm, []byte(key.PublicKey), sealed, key.CreatedAt, key.SignUntil, key.VerifyUntil,
	)
	if err != nil {
		return fmt.Errorf("failed to create key: %w", err)
	}

	return nil
}

// Load returns every key still inside its verification window, newest first.
func (r *KeyRepository) Load(ctx context.Context) ([]*keys.SigningKeyPair, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT kid, private_key_encrypted, created_at, sign_until, verify_until
		FROM signing_keys
		WHERE verify_until > $1
		ORDER BY created_at DESC
	`, r.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []*keys.SigningKeyPair
	for rows.Next() {
		var kid string
		var sealed []byte
		var createdAt, signUntil, verifyUntil time.Time
		if err := rows.Scan(&kid, &sealed, &createdAt, &signUntil, &verifyUntil); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}

		kp, err := keys.OpenSigningKeyPair(kid, sealed, r.encKey, createdAt, signUntil, verifyUntil)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", kid, err)
		}
		out = append(out, kp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate keys: %w", err)
	}

	return out, nil
}

// DeleteExpired removes keys whose verification window has closed.
func (r *KeyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.pool.Exec(ctx, `DELETE FROM signing_keys WHERE verify_until <= $1`, r.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired keys: %w", err)
	}
	return result.RowsAffected(), nil
}
