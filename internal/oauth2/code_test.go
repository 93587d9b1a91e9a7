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

package oauth2

import (
	"context"
	"encoding/json"
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

const (
	testRedirect = "https://pwa.example.com/callback"
	testVerifier = "verifier1"
)

func newMemoryBroker(t *testing.T, now func() time.Time) *CodeBroker {
	t.Helper()
	mem := kvstore.NewMemoryStore(kvstore.WithClock(now), kvstore.WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	return NewCodeBroker(mem, time.Minute, WithCodeClock(now))
}

func codeRequest() CodeRequest {
	return CodeRequest{
		ClientID:            "pwa",
		SubjectID:           "user-1",
		RedirectURI:         testRedirect,
		CodeChallenge:       crypto.S256Challenge(testVerifier),
		CodeChallengeMethod: crypto.PKCEMethodS256,
		Scope:               "openid",
	}
}

// TestPurpose: Validates that a code redeems exactly once with the right verifier.
// Scope: Unit Test
// Security: Authorization code single use (RFC 6749 Section 4.1.2)
// Expected: First exchange returns the grant; the second returns invalid_grant.
func TestCodeBroker_ExchangeOnce(t *testing.T) {
	b := newMemoryBroker(t, time.Now)
	ctx := context.Background()

	code, err := b.Issue(ctx, codeRequest())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(code), 43)

	grant, err := b.Exchange(ctx, code, "pwa", testRedirect, testVerifier)
	require.NoError(t, err)
	assert.Equal(t, "user-1", grant.SubjectID)
	assert.Equal(t, "openid", grant.Scope)

	_, err = b.Exchange(ctx, code, "pwa", testRedirect, testVerifier)
	assert.True(t, HasCode(err, ErrInvalidGrant))
}

// TestPurpose: Ensures concurrent redemption of one code has a single winner.
// Scope: Unit Test
// Security: Authorization code replay under races
// Expected: Exactly one of 20 concurrent exchanges succeeds.
func TestCodeBroker_ConcurrentExchange(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.NewRedisStoreWithClient(client, "test:")
	t.Cleanup(func() { _ = store.Close() })

	b := NewCodeBroker(store, time.Minute)
	ctx := context.Background()
	code, err := b.Issue(ctx, codeRequest())
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:code:"+crypto.Hash(code)))
	assert.False(t, mr.Exists("test:code:"+code))

	var wins atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			if _, err := b.Exchange(ctx, code, "pwa", testRedirect, testVerifier); err == nil {
				wins.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), wins.Load())
}

// TestPurpose: Validates PKCE binding between challenge and verifier.
// Scope: Unit Test
// Security: Code interception (RFC 7636)
// Expected: A wrong, empty or one-character mutated verifier returns invalid_grant.
func TestCodeBroker_PKCEMismatch(t *testing.T) {
	b := newMemoryBroker(t, time.Now)
	ctx := context.Background()

	for _, verifier := range []string{"verifier2", "", "Verifier1", "verifier1 "} {
		code, err := b.Issue(ctx, codeRequest())
		require.NoError(t, err)
		_, err = b.Exchange(ctx, code, "pwa", testRedirect, verifier)
		assert.True(t, HasCode(err, ErrInvalidGrant), "verifier %q", verifier)
	}
}

// TestPurpose: Ensures only S256 challenges are accepted at issuance.
// Scope: Unit Test
// Security: PKCE downgrade
// Expected: "plain", an empty method and an empty challenge return invalid_request.
func TestCodeBroker_RejectsNonS256(t *testing.T) {
	b := newMemoryBroker(t, time.Now)
	ctx := context.Background()

	req := codeRequest()
	req.CodeChallengeMethod = "plain"
	_, err := b.Issue(ctx, req)
	assert.True(t, HasCode(err, ErrInvalidRequest))

	req.CodeChallengeMethod = ""
	_, err = b.Issue(ctx, req)
	assert.True(t, HasCode(err, ErrInvalidRequest))

	req = codeRequest()
	req.CodeChallenge = ""
	_, err = b.Issue(ctx, req)
	assert.True(t, HasCode(err, ErrInvalidRequest))
}

// TestPurpose: Validates that a mismatched redirect_uri or client fails and still burns the code.
// Scope: Unit Test
// Security: Redirect URI binding (RFC 6749 Section 4.1.3)
// Expected: invalid_grant, and the correct retry then also returns invalid_grant.
func TestCodeBroker_BindingMismatchConsumesCode(t *testing.T) {
	b := newMemoryBroker(t, time.Now)
	ctx := context.Background()

	code, err := b.Issue(ctx, codeRequest())
	require.NoError(t, err)
	_, err = b.Exchange(ctx, code, "pwa", "https://evil.example.com/callback", testVerifier)
	assert.True(t, HasCode(err, ErrInvalidGrant))
	_, err = b.Exchange(ctx, code, "pwa", testRedirect, testVerifier)
	assert.True(t, HasCode(err, ErrInvalidGrant))

	code, err = b.Issue(ctx, codeRequest())
	require.NoError(t, err)
	_, err = b.Exchange(ctx, code, "other-client", testRedirect, testVerifier)
	assert.True(t, HasCode(err, ErrInvalidGrant))
}

// TestPurpose: Ensures failed redemptions cannot be told apart by the client.
// Scope: Unit Test
// Security: No oracle on which grant check failed
// Expected: Wrong redirect, wrong client, expired, wrong verifier and consumed codes serialize to identical bodies while each wraps its own cause.
func TestCodeBroker_RejectionsIndistinguishable(t *testing.T) {
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	now := start
	// The store keeps its own clock so the expired record is still there to consume.
	mem := kvstore.NewMemoryStore(kvstore.WithClock(func() time.Time { return start }), kvstore.WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	b := NewCodeBroker(mem, time.Minute, WithCodeClock(func() time.Time { return now }))
	ctx := context.Background()

	issue := func() string {
		code, err := b.Issue(ctx, codeRequest())
		require.NoError(t, err)
		return code
	}

	consumed := issue()
	_, err := b.Exchange(ctx, consumed, "pwa", testRedirect, testVerifier)
	require.NoError(t, err)

	expired := issue()
	now = now.Add(2 * time.Minute)
	_, errExpired := b.Exchange(ctx, expired, "pwa", testRedirect, testVerifier)

	cases := []struct {
		name  string
		err   error
		cause error
	}{
		{"redirect", func() error {
			_, err := b.Exchange(ctx, issue(), "pwa", "https://evil.example.com/callback", testVerifier)
			return err
		}(), ErrRedirectMismatch},
		{"client", func() error {
			_, err := b.Exchange(ctx, issue(), "other-client", testRedirect, testVerifier)
			return err
		}(), ErrClientMismatch},
		{"expired", errExpired, ErrCodeExpired},
		{"verifier", func() error {
			_, err := b.Exchange(ctx, issue(), "pwa", testRedirect, "verifier2")
			return err
		}(), ErrVerifierMismatch},
		{"consumed", func() error {
			_, err := b.Exchange(ctx, consumed, "pwa", testRedirect, testVerifier)
			return err
		}(), ErrCodeNotFound},
	}

	want, err := json.Marshal(NewError(ErrInvalidGrant, invalidCodeDescription))
	require.NoError(t, err)

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.err)
			assert.ErrorIs(t, tc.err, tc.cause)

			body, err := json.Marshal(AsError(tc.err))
			require.NoError(t, err)
			assert.Equal(t, string(want), string(body))
		})
	}
}

func TestCodeBroker_Expired(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	b := newMemoryBroker(t, func() time.Time { return now })
	ctx := context.Background()

	code, err := b.Issue(ctx, codeRequest())
	require.NoError(t, err)

	now = now.Add(time.Minute)
	_, err = b.Exchange(ctx, code, "pwa", testRedirect, testVerifier)
	assert.True(t, HasCode(err, ErrInvalidGrant))
}

// TestPurpose: Ensures a store outage is reported as a server error and not as a bad grant.
// Scope: Unit Test
// Security: Fail closed
// Expected: server_error wrapping kvstore.ErrUnavailable.
func TestCodeBroker_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	store := kvstore.NewRedisStoreWithClient(client, "")
	b := NewCodeBroker(store, 0)
	ctx := context.Background()

	code, err := b.Issue(ctx, codeRequest())
	require.NoError(t, err)

	mr.Close()
	_, err = b.Exchange(ctx, code, "pwa", testRedirect, testVerifier)
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrServerError))
	assert.ErrorIs(t, err, kvstore.ErrUnavailable)
}
