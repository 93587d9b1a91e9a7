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

// Package token mints and verifies the signed access tokens handed to clients.
//
// Access tokens are EdDSA-signed JWTs. Every token names its signing key in the
// kid header and carries a unique jti so it can be revoked before it expires.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opentrusty/tokencore/internal/keys"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/observability/metrics"
	"github.com/opentrusty/tokencore/internal/observability/tracing"
)

const (
	// DefaultAccessTokenLifetime is used when Config leaves it unset.
	DefaultAccessTokenLifetime = 15 * time.Minute
	// DefaultNotBeforeSkew backdates nbf to absorb clock drift between services.
	DefaultNotBeforeSkew = 10 * time.Second
)

// Token kinds reported to metrics.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

var tracer = tracing.Tracer("github.com/opentrusty/tokencore/internal/token")

// Claims is the access token payload.
type Claims struct {
	Scope    string   `json:"scope,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	TenantID string   `json:"tenant_id,omitempty"`
	jwt.RegisteredClaims

	// KeyID is filled from the header on verification.
	KeyID string `json:"-"`
}

// Config holds the claims every issued token shares.
type Config struct {
	Issuer              string
	Audience            string
	AccessTokenLifetime time.Duration
	NotBeforeSkew       time.Duration
}

func (c *Config) applyDefaults() {
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = DefaultAccessTokenLifetime
	}
	if c.NotBeforeSkew < 0 {
		c.NotBeforeSkew = 0
	}
}

// SigningKeySource yields the key used for new tokens.
type SigningKeySource interface {
	ActiveSigningKey(ctx context.Context) (*keys.SigningKeyPair, error)
}

// RefreshIssuer mints opaque refresh tokens.
type RefreshIssuer interface {
	Issue(ctx context.Context, subjectID, scope string) (string, error)
}

// AccessTokenRequest describes the subject a token is minted for.
type AccessTokenRequest struct {
	SubjectID string
	TenantID  string
	Scope     string
	Roles     []string
}

// IssuedToken is a signed token and the claims it carries.
type IssuedToken struct {
	Raw    string
	Claims *Claims
}

// ExpiresIn returns the lifetime remaining at now.
func (t *IssuedToken) ExpiresIn(now time.Time) time.Duration {
	if t.Claims == nil || t.Claims.ExpiresAt == nil {
		return 0
	}
	return t.Claims.ExpiresAt.Sub(now)
}

// Issuer mints access and refresh tokens.
type Issuer struct {
	cfg     Config
	keys    SigningKeySource
	refresh RefreshIssuer
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Instruments
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func WithIssuerLogger(l *slog.Logger) IssuerOption {
	return func(i *Issuer) { i.logger = l }
}

func WithIssuerMetrics(m *metrics.Instruments) IssuerOption {
	return func(i *Issuer) { i.metrics = m }
}

// NewIssuer creates an Issuer. refresh may be nil when refresh tokens are not issued.
func NewIssuer(cfg Config, keySource SigningKeySource, refresh RefreshIssuer, opts ...IssuerOption) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("token issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("token audience is required")
	}
	if keySource == nil {
		return nil, errors.New("signing key source is required")
	}
	cfg.applyDefaults()

	i := &Issuer{
		cfg:     cfg,
		keys:    keySource,
		refresh: refresh,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.logger = i.logger.With(logger.Component("token_issuer"))
	return i, nil
}

// AccessTokenLifetime returns the configured access token lifetime.
func (i *Issuer) AccessTokenLifetime() time.Duration {
	return i.cfg.AccessTokenLifetime
}

// IssueAccessToken signs a new access token with the active key. It fails
// with keys.ErrNoKeyAvailable rather than emit an unsigned token.
func (i *Issuer) IssueAccessToken(ctx context.Context, req AccessTokenRequest) (*IssuedToken, error) {
	ctx, span := tracer.Start(ctx, "token.IssueAccessToken")
	defer span.End()

	if req.SubjectID == "" {
		return nil, errors.New("token subject is required")
	}

	key, err := i.keys.ActiveSigningKey(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "no signing key")
		i.logger.ErrorContext(ctx, "cannot sign access token", logger.Error(err))
		return nil, err
	}

	jti, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate jti: %w", err)
	}

	now := i.now()
	claims := &Claims{
		Scope:    req.Scope,
		Roles:    req.Roles,
		TenantID: req.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			Subject:   req.SubjectID,
			Audience:  jwt.ClaimStrings{i.cfg.Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(i.cfg.AccessTokenLifetime)),
			NotBefore: jwt.NewNumericDate(now.Add(-i.cfg.NotBeforeSkew)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti.String(),
		},
		KeyID: key.KeyID,
	}

	raw, err := key.Sign(jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sign failed")
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	span.SetAttributes(attribute.String("token.kid", key.KeyID))
	i.metrics.TokenIssued(ctx, KindAccess)
	return &IssuedToken{Raw: raw, Claims: claims}, nil
}

// IssueRefreshToken mints an opaque refresh token for subjectID.
func (i *Issuer) IssueRefreshToken(ctx context.Context, subjectID, scope string) (string, error) {
	if i.refresh == nil {
		return "", errors.New("refresh tokens are not enabled")
	}
	raw, err := i.refresh.Issue(ctx, subjectID, scope)
	if err != nil {
		return "", err
	}
	i.metrics.TokenIssued(ctx, KindRefresh)
	return raw, nil
}
