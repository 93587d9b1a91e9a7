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

// Package refresh issues opaque refresh tokens and rotates them on every use.
package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/kvstore"
)

const keyPrefix = "rt:"

// DefaultLifetime is the refresh token lifetime when none is configured.
const DefaultLifetime = 7 * 24 * time.Hour

var (
	// ErrReplayDetected means the token was already rotated or never issued.
	// Callers should treat it as a probable compromise signal.
	ErrReplayDetected = errors.New("refresh: token replay detected")

	// ErrInvalid means the token does not resolve to a live record.
	ErrInvalid = errors.New("refresh: invalid token")

	// ErrStoreUnavailable is returned when the store cannot be reached.
	ErrStoreUnavailable = errors.New("refresh: store unavailable")
)

// Record is the stored value, keyed by the token's hash.
type Record struct {
	SubjectID string    `json:"subject_id"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Rotator manages refresh-token records.
type Rotator struct {
	store    kvstore.Store
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Rotator.
type Option func(*Rotator)

func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// NewRotator creates a Rotator. A non-positive lifetime selects DefaultLifetime.
func NewRotator(store kvstore.Store, lifetime time.Duration, opts ...Option) *Rotator {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	r := &Rotator{store: store, lifetime: lifetime, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Lifetime returns the configured token lifetime.
func (r *Rotator) Lifetime() time.Duration {
	return r.lifetime
}

// Issue mints a token for subjectID and stores its hash. The raw value is
// returned once and never stored.
func (r *Rotator) Issue(ctx context.Context, subjectID, scope string) (string, error) {
	if subjectID == "" {
		return "", errors.New("refresh: subject is required")
	}

	token, err := crypto.RandomToken(crypto.DefaultTokenBytes)
	if err != nil {
		return "", err
	}

	value, err := json.Marshal(Record{
		SubjectID: subjectID,
		Scope:     scope,
		ExpiresAt: r.now().Add(r.lifetime).UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode refresh record: %w", err)
	}

	if err := r.store.SetWithTTL(ctx, keyFor(token), value, r.lifetime); err != nil {
		return "", fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return token, nil
}

// Rotate consumes oldToken and issues its successor. A token that is absent
// from the store (already rotated, revoked, expired or never issued) yields
// ErrReplayDetected.
func (r *Rotator) Rotate(ctx context.Context, oldToken string) (string, *Record, error) {
	if oldToken == "" {
		return "", nil, ErrInvalid
	}

	value, err := r.store.GetAndDelete(ctx, keyFor(oldToken))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return "", nil, ErrReplayDetected
		}
		return "", nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	rec, err := r.decode(value)
	if err != nil {
		return "", nil, err
	}

	next, err := r.Issue(ctx, rec.SubjectID, rec.Scope)
	if err != nil {
		return "", nil, err
	}
	return next, rec, nil
}

// Resolve returns the record for token without consuming it.
func (r *Rotator) Resolve(ctx context.Context, token string) (*Record, error) {
	if token == "" {
		return nil, ErrInvalid
	}

	value, err := r.store.Get(ctx, keyFor(token))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, ErrInvalid
		}
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return r.decode(value)
}

// Revoke deletes the record for token. Unknown tokens are ignored.
func (r *Rotator) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := r.store.Delete(ctx, keyFor(token)); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *Rotator) decode(value []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt record", ErrInvalid)
	}
	// the store TTL normally removes these; the check covers a lagging sweeper
	if !r.now().Before(rec.ExpiresAt) {
		return nil, ErrInvalid
	}
	return &rec, nil
}

func keyFor(token string) string {
	return keyPrefix + crypto.Hash(token)
}
