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

package oidc

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/opentrusty/tokencore/internal/keys"
)

// DefaultIDTokenLifetime bounds how long a client may present an id_token.
const DefaultIDTokenLifetime = 5 * time.Minute

// KeySource supplies the signing key and the published key set.
type KeySource interface {
	ActiveSigningKey(ctx context.Context) (*keys.SigningKeyPair, error)
	PublicKeySet() jose.JSONWebKeySet
}

// Service serves discovery metadata and the JWKS and mints id_tokens.
type Service struct {
	issuer   string
	keys     KeySource
	lifetime time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDTokenLifetime(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.lifetime = d
		}
	}
}

// DiscoveryMetadata represents OIDC Discovery metadata (OIDC Discovery Section 3)
type DiscoveryMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// IDTokenRequest describes the subject and client an id_token is minted for.
type IDTokenRequest struct {
	SubjectID   string
	TenantID    string
	ClientID    string
	Nonce       string
	AccessToken string
}

// IDTokenClaims are the claims of an id_token (OIDC Core Section 2).
type IDTokenClaims struct {
	Nonce  string `json:"nonce,omitempty"`
	AtHash string `json:"at_hash,omitempty"`
	jwt.RegisteredClaims
}

// NewService creates a new OIDC service
func NewService(issuer string, keySource KeySource, opts ...Option) (*Service, error) {
	if issuer == "" {
		return nil, errors.New("oidc: issuer is required")
	}
	if keySource == nil {
		return nil, errors.New("oidc: key source is required")
	}
	s := &Service{
		issuer:   strings.TrimRight(issuer, "/"),
		keys:     keySource,
		lifetime: DefaultIDTokenLifetime,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GetDiscoveryMetadata returns the OIDC configuration (OIDC Discovery Section 4)
func (s *Service) GetDiscoveryMetadata() DiscoveryMetadata {
	return DiscoveryMetadata{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             fmt.Sprintf("%s/oauth2/authorize", s.issuer),
		TokenEndpoint:                     fmt.Sprintf("%s/oauth2/token", s.issuer),
		UserInfoEndpoint:                  fmt.Sprintf("%s/oauth2/userinfo", s.issuer),
		EndSessionEndpoint:                fmt.Sprintf("%s/oauth2/logout", s.issuer),
		JWKSURI:                           fmt.Sprintf("%s/.well-known/jwks.json", s.issuer),
		ResponseTypesSupported:            []string{"code"},
		SubjectTypesSupported:             []string{"pairwise"},
		IDTokenSigningAlgValuesSupported:  []string{keys.AlgorithmEdDSA},
		ScopesSupported:                   []string{"openid", "profile", "roles"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
}

// GetJWKS returns every verify-eligible public key (RFC 7517)
func (s *Service) GetJWKS() jose.JSONWebKeySet {
	return s.keys.PublicKeySet()
}

// GenerateIDToken generates a signed id_token JWT (OIDC Core Section 2)
func (s *Service) GenerateIDToken(ctx context.Context, req IDTokenRequest) (string, error) {
	if req.SubjectID == "" || req.ClientID == "" {
		return "", errors.New("oidc: subject and client are required")
	}

	key, err := s.keys.ActiveSigningKey(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get signing key: %w", err)
	}

	now := s.now()
	claims := IDTokenClaims{
		Nonce: req.Nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   PairwiseSubject(req.TenantID, req.SubjectID),
			Audience:  jwt.ClaimStrings{req.ClientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
		},
	}

	// OIDC Core Section 3.1.3.6
	if req.AccessToken != "" {
		claims.AtHash = AccessTokenHash(req.AccessToken)
	}

	return key.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims))
}

// PairwiseSubject derives a stable sub that differs across tenants for the same user.
func PairwiseSubject(tenantID, userID string) string {
	hash := sha256.Sum256([]byte(tenantID + ":" + userID))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// AccessTokenHash is the at_hash value for EdDSA over Ed25519: the left half
// of the SHA-512 digest, base64url encoded.
func AccessTokenHash(accessToken string) string {
	sum := sha512.Sum512([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2])
}
