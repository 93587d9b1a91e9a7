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

package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/kvstore"
)

func newTestRotator(t *testing.T) (*Rotator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kvstore.NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), "")
	t.Cleanup(func() { _ = store.Close() })
	return NewRotator(store, time.Hour), mr
}

// TestPurpose: Validates issue and resolve of an opaque refresh token.
// Scope: Unit Test
// Security: Refresh tokens are stored only as hashes
// Expected: The raw token resolves to its subject; only rt:<hash> exists in the store.
func TestRotator_IssueResolve(t *testing.T) {
	r, mr := newTestRotator(t)
	ctx := context.Background()

	tok, err := r.Issue(ctx, "user-1", "openid profile")
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	rec, err := r.Resolve(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.SubjectID)
	assert.Equal(t, "openid profile", rec.Scope)

	assert.True(t, mr.Exists("rt:"+crypto.Hash(tok)))
	assert.False(t, mr.Exists("rt:"+tok))
	assert.Equal(t, time.Hour, mr.TTL("rt:"+crypto.Hash(tok)))

	_, err = r.Resolve(ctx, "unknown")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrInvalid)
}

// TestPurpose: Validates rotation replay detection.
// Scope: Unit Test
// Security: Refresh token reuse detection (OAuth 2.1 Section 4.3.1)
// Expected: Rotating T yields T'; rotating T again yields ErrReplayDetected and T' stays valid.
func TestRotator_RotationReplay(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()

	t0, err := r.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	t1, rec, err := r.Rotate(ctx, t0)
	require.NoError(t, err)
	assert.NotEqual(t, t0, t1)
	assert.Equal(t, "user-1", rec.SubjectID)

	_, _, err = r.Rotate(ctx, t0)
	assert.ErrorIs(t, err, ErrReplayDetected)

	_, err = r.Resolve(ctx, t0)
	assert.ErrorIs(t, err, ErrInvalid)

	rec, err = r.Resolve(ctx, t1)
	require.NoError(t, err, "successor must remain valid after replay of its predecessor")
	assert.Equal(t, "user-1", rec.SubjectID)

	t2, _, err := r.Rotate(ctx, t1)
	require.NoError(t, err)
	assert.NotEmpty(t, t2)
}

// TestPurpose: Ensures two concurrent rotations of the same token cannot both succeed.
// Scope: Concurrency Test
// Security: Replay detection under races (CWE-367)
// Expected: Exactly one rotation succeeds; the rest report ErrReplayDetected.
func TestRotator_ConcurrentRotateSingleWinner(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()

	tok, err := r.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	var ok, replays atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, _, err := r.Rotate(ctx, tok)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrReplayDetected):
				replays.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(19), replays.Load())
}

func TestRotator_ExpiredTokenIsReplay(t *testing.T) {
	r, mr := newTestRotator(t)
	ctx := context.Background()

	tok, err := r.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	mr.FastForward(time.Hour + time.Second)
	_, _, err = r.Rotate(ctx, tok)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

func TestRotator_Revoke(t *testing.T) {
	r, _ := newTestRotator(t)
	ctx := context.Background()

	tok, err := r.Issue(ctx, "user-1", "")
	require.NoError(t, err)
	require.NoError(t, r.Revoke(ctx, tok))
	require.NoError(t, r.Revoke(ctx, ""))

	_, _, err = r.Rotate(ctx, tok)
	assert.ErrorIs(t, err, ErrReplayDetected)
}

// TestPurpose: Validates the record expiry check when the store has not yet evicted the entry.
// Scope: Unit Test
// Expected: A record past expires_at resolves as ErrInvalid.
func TestRotator_LaggingExpiry(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := kvstore.NewMemoryStore(kvstore.WithCleanupInterval(0))
	defer store.Close()

	issuer := NewRotator(store, time.Minute, WithClock(clock))
	tok, err := issuer.Issue(context.Background(), "user-1", "")
	require.NoError(t, err)

	later := NewRotator(store, time.Minute, WithClock(func() time.Time { return now.Add(2 * time.Minute) }))
	_, err = later.Resolve(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestRotator_OutageIsNotReplay(t *testing.T) {
	r, mr := newTestRotator(t)
	mr.Close()

	_, _, err := r.Rotate(context.Background(), "anything")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrReplayDetected)
}

func TestNewRotator_DefaultLifetime(t *testing.T) {
	r := NewRotator(kvstore.NewMemoryStore(kvstore.WithCleanupInterval(0)), 0)
	assert.Equal(t, DefaultLifetime, r.Lifetime())
}
