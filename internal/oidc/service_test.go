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

package oidc_test

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentrusty/tokencore/internal/keys"
	"github.com/opentrusty/tokencore/internal/oidc"
)

const testIssuer = "https://auth.example.com"

func newService(t testing.TB) *oidc.Service {
	t.Helper()
	ks, err := keys.New(keys.Config{PoolSize: 2, SignLifetime: time.Hour, AccessTokenLifetime: 15 * time.Minute})
	require.NoError(t, err)
	require.NoError(t, ks.Initialize(context.Background()))

	svc, err := oidc.NewService(testIssuer+"/", ks)
	require.NoError(t, err)
	return svc
}

// parseIDToken verifies the id_token against the published JWKS.
func parseIDToken(t *testing.T, svc *oidc.Service, raw string) *oidc.IDTokenClaims {
	t.Helper()
	jwks := svc.GetJWKS()
	claims := &oidc.IDTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		found := jwks.Key(kid)
		require.Len(t, found, 1)
		return found[0].Key.(ed25519.PublicKey), nil
	}, jwt.WithValidMethods([]string{keys.AlgorithmEdDSA}))
	require.NoError(t, err)
	return claims
}

func generate(t *testing.T, svc *oidc.Service, req oidc.IDTokenRequest) *oidc.IDTokenClaims {
	t.Helper()
	raw, err := svc.GenerateIDToken(context.Background(), req)
	require.NoError(t, err)
	return parseIDToken(t, svc, raw)
}

// TestPurpose: Validates that an id_token verifies against the JWKS and carries the OIDC claims.
// Scope: Unit Test
// Security: Token integrity (OIDC Core Section 2)
// Expected: iss, aud, nonce and at_hash present; sub is not the raw user id.
func TestService_GenerateIDToken(t *testing.T) {
	svc := newService(t)
	claims := generate(t, svc, oidc.IDTokenRequest{
		SubjectID:   "user-123",
		TenantID:    "tenant-456",
		ClientID:    "client-789",
		Nonce:       "random-nonce",
		AccessToken: "raw-access-token",
	})

	assert.Equal(t, testIssuer, claims.Issuer)
	assert.Equal(t, jwt.ClaimStrings{"client-789"}, claims.Audience)
	assert.Equal(t, "random-nonce", claims.Nonce)
	assert.NotEmpty(t, claims.AtHash)
	assert.NotEqual(t, "user-123", claims.Subject)
	assert.Equal(t, 5*time.Minute, claims.ExpiresAt.Sub(claims.IssuedAt.Time))
}

// TestPurpose: Verifies that sub is stable per (tenant, user) and differs across tenants and users.
// Scope: Unit Test
// Security: Multi-tenant privacy and identity stability
// Expected: Same pair gives same sub; a different tenant or user gives a different sub.
func TestOIDC_Claims_SubClaimStability(t *testing.T) {
	svc := newService(t)
	tenantA, tenantB := uuid.NewString(), uuid.NewString()
	userA, userB := uuid.NewString(), uuid.NewString()

	sub := func(tenant, user string) string {
		return generate(t, svc, oidc.IDTokenRequest{SubjectID: user, TenantID: tenant, ClientID: "c"}).Subject
	}

	assert.Equal(t, sub(tenantA, userA), sub(tenantA, userA))
	assert.NotEqual(t, sub(tenantA, userA), sub(tenantB, userA))
	assert.NotEqual(t, sub(tenantA, userA), sub(tenantA, userB))
	assert.Equal(t, oidc.PairwiseSubject(tenantA, userA), sub(tenantA, userA))
}

// TestPurpose: Verifies that optional claims are omitted when their inputs are empty.
// Scope: Unit Test
// Security: Replay protection (nonce) and token binding (at_hash)
// Expected: No nonce or at_hash claims in the raw payload.
func TestOIDC_Claims_OptionalClaimsOmitted(t *testing.T) {
	svc := newService(t)
	raw, err := svc.GenerateIDToken(context.Background(), oidc.IDTokenRequest{SubjectID: "u", ClientID: "c"})
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.NotContains(t, claims, "nonce")
	assert.NotContains(t, claims, "at_hash")
}

// TestPurpose: Verifies that at_hash is the left half of the SHA-512 digest for EdDSA.
// Scope: Unit Test
// Security: Token binding (OIDC Core Section 3.1.3.6)
// Expected: at_hash matches the independent computation.
func TestOIDC_Claims_AtHashCorrectness(t *testing.T) {
	svc := newService(t)
	accessToken := "test-access-token-for-hash-computation"
	claims := generate(t, svc, oidc.IDTokenRequest{SubjectID: "u", ClientID: "c", AccessToken: accessToken})

	sum := sha512.Sum512([]byte(accessToken))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:32]), claims.AtHash)
}

func TestService_GenerateIDTokenValidation(t *testing.T) {
	svc := newService(t)
	_, err := svc.GenerateIDToken(context.Background(), oidc.IDTokenRequest{ClientID: "c"})
	assert.Error(t, err)

	_, err = oidc.NewService("", nil)
	assert.Error(t, err)
}

func TestService_GetDiscoveryMetadata(t *testing.T) {
	svc := newService(t)
	meta := svc.GetDiscoveryMetadata()

	assert.Equal(t, testIssuer, meta.Issuer)
	assert.Equal(t, testIssuer+"/.well-known/jwks.json", meta.JWKSURI)
	assert.Equal(t, testIssuer+"/oauth2/token", meta.TokenEndpoint)
	assert.Equal(t, []string{"EdDSA"}, meta.IDTokenSigningAlgValuesSupported)
	assert.Equal(t, []string{"S256"}, meta.CodeChallengeMethodsSupported)
}

// TestPurpose: Validates the JWKS shape for Ed25519 keys.
// Scope: Unit Test
// Security: Key publication (RFC 7517, RFC 8037)
// Expected: Every key is a public OKP key with use=sig and alg=EdDSA.
func TestService_GetJWKS(t *testing.T) {
	svc := newService(t)
	jwks := svc.GetJWKS()
	require.NotEmpty(t, jwks.Keys)

	for _, k := range jwks.Keys {
		assert.True(t, k.IsPublic())
		assert.Equal(t, "sig", k.Use)
		assert.Equal(t, "EdDSA", k.Algorithm)
		assert.NotEmpty(t, k.KeyID)
		_, ok := k.Key.(ed25519.PublicKey)
		assert.True(t, ok)
	}
}
