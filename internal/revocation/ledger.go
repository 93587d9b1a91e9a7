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

// Package revocation records revoked access-token identifiers until the
// tokens they name would have expired anyway.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/kvstore"
)

const keyPrefix = "revoked_jti:"

// marker is the stored value; only the key's presence matters.
var marker = []byte("1")

// ErrStoreUnavailable is returned when the ledger cannot be consulted.
var ErrStoreUnavailable = errors.New("revocation: store unavailable")

// Ledger is the jti denylist.
type Ledger struct {
	store kvstore.Store
}

// NewLedger creates a ledger over store.
func NewLedger(store kvstore.Store) *Ledger {
	return &Ledger{store: store}
}

// Revoke marks jti as revoked for ttl, normally the token's remaining lifetime.
// A ttl of zero or less stores nothing: the token is already unusable.
// Revoking twice simply overwrites the mark.
func (l *Ledger) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" || ttl <= 0 {
		return nil
	}
	if err := l.store.SetWithTTL(ctx, keyFor(jti), marker, ttl); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// IsRevoked reports whether jti has been revoked. Store errors are returned,
// never reported as "not revoked".
func (l *Ledger) IsRevoked(ctx context.Context, jti string) (bool, error) {
	ok, err := l.store.Exists(ctx, keyFor(jti))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return ok, nil
}

func keyFor(jti string) string {
	return keyPrefix + crypto.Hash(jti)
}
