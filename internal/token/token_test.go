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

package token_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/tokencore/internal/keys"
	"github.com/opentrusty/tokencore/internal/kvstore"
	"github.com/opentrusty/tokencore/internal/refresh"
	"github.com/opentrusty/tokencore/internal/revocation"
	"github.com/opentrusty/tokencore/internal/token"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "api"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	clock    *clock
	keys     *keys.KeyStore
	ledger   *revocation.Ledger
	issuer   *token.Issuer
	verifier *token.Verifier
}

func newFixture(t *testing.T, opts ...keys.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}

	ks, err := keys.New(keys.Config{
		PoolSize:            2,
		SignLifetime:        time.Hour,
		AccessTokenLifetime: 15 * time.Minute,
	}, append([]keys.Option{keys.WithClock(c.Now)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, ks.Initialize(ctx))

	mem := kvstore.NewMemoryStore(kvstore.WithClock(c.Now), kvstore.WithCleanupInterval(0))
	t.Cleanup(func() { _ = mem.Close() })
	ledger := revocation.NewLedger(mem)
	rotator := refresh.NewRotator(mem, time.Hour, refresh.WithClock(c.Now))

	iss, err := token.NewIssuer(token.Config{
		Issuer:              testIssuer,
		Audience:            testAudience,
		AccessTokenLifetime: 15 * time.Minute,
		NotBeforeSkew:       10 * time.Second,
	}, ks, rotator, token.WithIssuerClock(c.Now))
	require.NoError(t, err)

	ver, err := token.NewVerifier(testIssuer, testAudience, ks, ledger, token.WithVerifierClock(c.Now))
	require.NoError(t, err)

	return &fixture{clock: c, keys: ks, ledger: ledger, issuer: iss, verifier: ver}
}

func (f *fixture) issue(t *testing.T) *token.IssuedToken {
	t.Helper()
	tok, err := f.issuer.IssueAccessToken(context.Background(), token.AccessTokenRequest{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		Scope:     "openid profile",
		Roles:     []string{"admin"},
	})
	require.NoError(t, err)
	return tok
}

func claimsAt(now time.Time) *token.Claims {
	return &token.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Subject:   "user-1",
			Audience:  jwt.ClaimStrings{testAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
			ID:        "jti-custom",
		},
	}
}

func assertRejected(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrUnauthorized)
	assert.Equal(t, reason, token.RejectReason(err))
}

// TestPurpose: Validates that an issued access token verifies and carries the expected claims.
// Scope: Unit Test
// Security: Token integrity (RFC 7519)
// Expected: Claims round-trip; kid header matches a verifiable key; exp = iat + 15m; nbf = iat - 10s.
func TestIssuer_IssueAndVerify(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)

	claims, err := f.verifier.Verify(context.Background(), issued.Raw)
	require.NoError(t, err)

	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "tenant-1", claims.TenantID)
	assert.Equal(t, "openid profile", claims.Scope)
	assert.Equal(t, []string{"admin"}, claims.Roles)
	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{testAudience}, claims.Audience)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, issued.Claims.KeyID, claims.KeyID)

	iat := claims.IssuedAt.Time
	assert.True(t, iat.Equal(f.clock.Now()))
	assert.Equal(t, 15*time.Minute, claims.ExpiresAt.Sub(iat))
	assert.Equal(t, -10*time.Second, claims.NotBefore.Sub(iat))
	assert.Equal(t, 15*time.Minute, issued.ExpiresIn(f.clock.Now()))

	_, err = f.keys.VerificationKey(claims.KeyID)
	assert.NoError(t, err)
}

func TestIssuer_UniqueJTI(t *testing.T) {
	f := newFixture(t)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := f.issue(t).Claims.ID
		assert.False(t, seen[id], "jti must be unique")
		seen[id] = true
	}
}

type noKeys struct{}

func (noKeys) ActiveSigningKey(context.Context) (*keys.SigningKeyPair, error) {
	return nil, keys.ErrNoKeyAvailable
}

// TestPurpose: Ensures issuance fails instead of emitting an unsigned token when no key can sign.
// Scope: Unit Test
// Security: No unsigned tokens
// Expected: IssueAccessToken returns keys.ErrNoKeyAvailable.
func TestIssuer_NoKeyAvailable(t *testing.T) {
	iss, err := token.NewIssuer(token.Config{Issuer: testIssuer, Audience: testAudience}, noKeys{}, nil)
	require.NoError(t, err)

	tok, err := iss.IssueAccessToken(context.Background(), token.AccessTokenRequest{SubjectID: "user-1"})
	assert.Nil(t, tok)
	assert.ErrorIs(t, err, keys.ErrNoKeyAvailable)
}

func TestIssuer_IssueRefreshToken(t *testing.T) {
	f := newFixture(t)
	raw, err := f.issuer.IssueRefreshToken(context.Background(), "user-1", "openid")
	require.NoError(t, err)
	assert.NotEmpty(t, raw)

	iss, err := token.NewIssuer(token.Config{Issuer: testIssuer, Audience: testAudience}, f.keys, nil)
	require.NoError(t, err)
	_, err = iss.IssueRefreshToken(context.Background(), "user-1", "")
	assert.Error(t, err)
}

func TestNewIssuer_Validation(t *testing.T) {
	_, err := token.NewIssuer(token.Config{Audience: testAudience}, noKeys{}, nil)
	assert.Error(t, err)
	_, err = token.NewIssuer(token.Config{Issuer: testIssuer}, noKeys{}, nil)
	assert.Error(t, err)

	iss, err := token.NewIssuer(token.Config{Issuer: testIssuer, Audience: testAudience}, noKeys{}, nil)
	require.NoError(t, err)
	assert.Equal(t, token.DefaultAccessTokenLifetime, iss.AccessTokenLifetime())
}

// TestPurpose: Validates rejection of alg=none tokens.
// Scope: Unit Test
// Security: Algorithm confusion (CVE-2015-9235 class)
// Expected: ErrUnauthorized with reason "signature".
func TestVerifier_RejectsAlgNone(t *testing.T) {
	f := newFixture(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, claimsAt(f.clock.Now()))
	tok.Header["kid"] = f.keys.Keys()[0].KeyID
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assertRejected(t, err, token.ReasonSignature)
}

// TestPurpose: Validates rejection of an HMAC token keyed with a published public key.
// Scope: Unit Test
// Security: Algorithm confusion (public key used as HMAC secret)
// Expected: ErrUnauthorized; the verifier never accepts HS256.
func TestVerifier_RejectsHMACConfusion(t *testing.T) {
	f := newFixture(t)
	k := f.keys.Keys()[0]
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claimsAt(f.clock.Now()))
	tok.Header["kid"] = k.KeyID
	raw, err := tok.SignedString([]byte(k.PublicKey))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assertRejected(t, err, token.ReasonSignature)
}

func TestVerifier_RejectsUnknownKid(t *testing.T) {
	f := newFixture(t)
	stranger, err := keys.GenerateSigningKeyPair(f.clock.Now(), time.Hour, 15*time.Minute)
	require.NoError(t, err)

	raw, err := stranger.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claimsAt(f.clock.Now())))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assertRejected(t, err, token.ReasonUnknownKeyID)
	assert.ErrorIs(t, err, token.ErrUnknownKey)
}

func TestVerifier_RejectsMissingKid(t *testing.T) {
	f := newFixture(t)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	raw, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claimsAt(f.clock.Now())).SignedString(priv)
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assertRejected(t, err, token.ReasonMissingKeyID)
}

// TestPurpose: Ensures a payload spliced onto another token's signature is rejected.
// Scope: Unit Test
// Security: Signature verification (CWE-347)
// Expected: ErrUnauthorized with reason "signature".
func TestVerifier_RejectsTamperedPayload(t *testing.T) {
	f := newFixture(t)
	a := f.issue(t)
	b, err := f.issuer.IssueAccessToken(context.Background(), token.AccessTokenRequest{SubjectID: "attacker", Roles: []string{"admin"}})
	require.NoError(t, err)

	pa := strings.Split(a.Raw, ".")
	pb := strings.Split(b.Raw, ".")
	forged := strings.Join([]string{pa[0], pb[1], pa[2]}, ".")

	_, err = f.verifier.Verify(context.Background(), forged)
	assertRejected(t, err, token.ReasonSignature)

	_, err = f.verifier.Verify(context.Background(), "not-a-jwt")
	assertRejected(t, err, token.ReasonMalformed)

	_, err = f.verifier.Verify(context.Background(), "")
	assertRejected(t, err, token.ReasonMalformed)
}

// TestPurpose: Validates hard expiry without leeway.
// Scope: Unit Test
// Security: Token lifetime enforcement
// Expected: Valid one second before exp; rejected as "expired" at exp and after.
func TestVerifier_HardExpiry(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)

	f.clock.Advance(15*time.Minute - time.Second)
	_, err := f.verifier.Verify(context.Background(), issued.Raw)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.verifier.Verify(context.Background(), issued.Raw)
	assertRejected(t, err, token.ReasonExpired)

	f.clock.Advance(time.Second)
	_, err = f.verifier.Verify(context.Background(), issued.Raw)
	assertRejected(t, err, token.ReasonExpired)
}

// TestPurpose: Validates nbf handling including the issuance skew.
// Scope: Unit Test
// Security: Clock skew tolerance bounded by nbf backdating
// Expected: A token minted 5s ahead verifies; one minted 1m ahead is "not_yet_valid".
func TestVerifier_NotBefore(t *testing.T) {
	f := newFixture(t)
	ahead := func(d time.Duration) *token.Issuer {
		iss, err := token.NewIssuer(token.Config{
			Issuer:        testIssuer,
			Audience:      testAudience,
			NotBeforeSkew: 10 * time.Second,
		}, f.keys, nil, token.WithIssuerClock(func() time.Time { return f.clock.Now().Add(d) }))
		require.NoError(t, err)
		return iss
	}

	slight, err := ahead(5*time.Second).IssueAccessToken(context.Background(), token.AccessTokenRequest{SubjectID: "user-1"})
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), slight.Raw)
	assert.NoError(t, err)

	far, err := ahead(time.Minute).IssueAccessToken(context.Background(), token.AccessTokenRequest{SubjectID: "user-1"})
	require.NoError(t, err)
	_, err = f.verifier.Verify(context.Background(), far.Raw)
	assertRejected(t, err, token.ReasonNotYetValid)
}

func TestVerifier_IssuerAndAudience(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)

	wrongIss, err := token.NewVerifier("https://other.example.com", testAudience, f.keys, f.ledger, token.WithVerifierClock(f.clock.Now))
	require.NoError(t, err)
	_, err = wrongIss.Verify(context.Background(), issued.Raw)
	assertRejected(t, err, token.ReasonIssuer)

	wrongAud, err := token.NewVerifier(testIssuer, "billing", f.keys, f.ledger, token.WithVerifierClock(f.clock.Now))
	require.NoError(t, err)
	_, err = wrongAud.Verify(context.Background(), issued.Raw)
	assertRejected(t, err, token.ReasonAudience)
}

func TestVerifier_RejectsMissingJTI(t *testing.T) {
	f := newFixture(t)
	claims := claimsAt(f.clock.Now())
	claims.ID = ""
	raw, err := f.keys.Keys()[0].Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims))
	require.NoError(t, err)

	_, err = f.verifier.Verify(context.Background(), raw)
	assertRejected(t, err, token.ReasonMissingJTI)
}

// TestPurpose: Ensures revocation takes effect while the token is otherwise valid.
// Scope: Unit Test
// Security: Logout / revocation (RFC 7009 semantics)
// Expected: The same token verifies before Revoke and is rejected as "revoked" after.
func TestVerifier_RevocationWins(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)
	ctx := context.Background()

	_, err := f.verifier.Verify(ctx, issued.Raw)
	require.NoError(t, err)

	require.NoError(t, f.ledger.Revoke(ctx, issued.Claims.ID, issued.ExpiresIn(f.clock.Now())))
	_, err = f.verifier.Verify(ctx, issued.Raw)
	assertRejected(t, err, token.ReasonRevoked)
}

type brokenLedger struct{}

func (brokenLedger) IsRevoked(context.Context, string) (bool, error) {
	return false, kvstore.ErrUnavailable
}

// TestPurpose: Ensures a revocation store outage fails closed.
// Scope: Unit Test
// Security: Fail-closed verification
// Expected: ErrStoreUnavailable, not success and not ErrUnauthorized.
func TestVerifier_LedgerOutageFailsClosed(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)

	v, err := token.NewVerifier(testIssuer, testAudience, f.keys, brokenLedger{}, token.WithVerifierClock(f.clock.Now))
	require.NoError(t, err)

	claims, err := v.Verify(context.Background(), issued.Raw)
	assert.Nil(t, claims)
	assert.ErrorIs(t, err, token.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, token.ErrUnauthorized)
}

// TestPurpose: Validates the rotation grace period for tokens signed just before a key stops signing.
// Scope: Unit Test
// Security: Key rotation without invalidating live tokens
// Expected: The token verifies after rotation until its own exp; the old key is purged once its window closes.
func TestVerifier_GracePeriodAcrossRotation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Advance(59 * time.Minute)
	issued := f.issue(t)
	oldKid := issued.Claims.KeyID

	f.clock.Advance(11 * time.Minute)
	require.NoError(t, f.keys.Rotate(ctx))
	active, err := f.keys.ActiveSigningKey(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, oldKid, active.KeyID)

	_, err = f.verifier.Verify(ctx, issued.Raw)
	require.NoError(t, err, "token must outlive the signing window of its key")

	f.clock.Advance(4 * time.Minute)
	_, err = f.verifier.Verify(ctx, issued.Raw)
	assertRejected(t, err, token.ReasonExpired)

	f.clock.Advance(time.Minute)
	require.NoError(t, f.keys.Rotate(ctx))
	for _, k := range f.keys.PublicKeySet().Keys {
		assert.NotEqual(t, oldKid, k.KeyID)
	}
}

type mutableLoader struct {
	mu    sync.Mutex
	keys  []*keys.SigningKeyPair
	calls atomic.Int32
}

func (l *mutableLoader) Load(context.Context) ([]*keys.SigningKeyPair, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*keys.SigningKeyPair, len(l.keys))
	copy(out, l.keys)
	return out, nil
}

func (l *mutableLoader) add(k *keys.SigningKeyPair) {
	l.mu.Lock()
	l.keys = append(l.keys, k)
	l.mu.Unlock()
}

// TestPurpose: Validates the single forced key refresh on an unknown kid.
// Scope: Unit Test
// Security: Multi-instance key rollout
// Expected: Verify rejects a token from a newly provisioned key; VerifyWithKeyRefresh reloads once and accepts it.
func TestVerifier_VerifyWithKeyRefresh(t *testing.T) {
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	first, err := keys.GenerateSigningKeyPair(start, time.Hour, 15*time.Minute)
	require.NoError(t, err)
	loader := &mutableLoader{keys: []*keys.SigningKeyPair{first}}

	f := newFixture(t, keys.WithLoader(loader))
	ctx := context.Background()
	require.Equal(t, int32(1), loader.calls.Load())

	second, err := keys.GenerateSigningKeyPair(start, time.Hour, 15*time.Minute)
	require.NoError(t, err)
	loader.add(second)

	raw, err := second.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claimsAt(f.clock.Now())))
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, raw)
	assert.ErrorIs(t, err, token.ErrUnknownKey)

	claims, err := f.verifier.VerifyWithKeyRefresh(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, second.KeyID, claims.KeyID)
	assert.Equal(t, int32(2), loader.calls.Load())

	// other failures never trigger a reload
	f.clock.Advance(20 * time.Minute)
	_, err = f.verifier.VerifyWithKeyRefresh(ctx, raw)
	assertRejected(t, err, token.ReasonExpired)
	assert.Equal(t, int32(2), loader.calls.Load())
}

func TestVerifier_VerifyWithKeyRefreshStillUnknown(t *testing.T) {
	f := newFixture(t)
	stranger, err := keys.GenerateSigningKeyPair(f.clock.Now(), time.Hour, 15*time.Minute)
	require.NoError(t, err)
	raw, err := stranger.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claimsAt(f.clock.Now())))
	require.NoError(t, err)

	_, err = f.verifier.VerifyWithKeyRefresh(context.Background(), raw)
	assert.True(t, errors.Is(err, token.ErrUnknownKey))
}

// TestPurpose: Validates that logout can identify an expired token but not a forged one.
// Scope: Unit Test
// Security: Revocation input validation
// Expected: An expired token yields its jti; a foreign-key token is rejected.
func TestVerifier_ParseForRevocation(t *testing.T) {
	f := newFixture(t)
	issued := f.issue(t)

	f.clock.Advance(15 * time.Minute)
	claims, err := f.verifier.ParseForRevocation(issued.Raw)
	require.NoError(t, err)
	assert.Equal(t, issued.Claims.ID, claims.ID)
	assert.Equal(t, issued.Claims.KeyID, claims.KeyID)

	stranger, err := keys.GenerateSigningKeyPair(f.clock.Now(), time.Hour, 15*time.Minute)
	require.NoError(t, err)
	forged, err := stranger.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claimsAt(f.clock.Now())))
	require.NoError(t, err)
	_, err = f.verifier.ParseForRevocation(forged)
	assert.ErrorIs(t, err, token.ErrUnauthorized)
}
