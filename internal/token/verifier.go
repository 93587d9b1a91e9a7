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

package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/opentrusty/tokencore/internal/keys"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/observability/metrics"
)

var (
	// ErrUnauthorized is wrapped by every rejection of a presented token.
	ErrUnauthorized = errors.New("token: unauthorized")

	// ErrUnknownKey means the kid header names no verifiable key.
	ErrUnknownKey = errors.New("token: unknown signing key")

	// ErrStoreUnavailable means the revocation check could not be made.
	ErrStoreUnavailable = errors.New("token: revocation store unavailable")

	errMissingKeyID = errors.New("token: kid header missing")
)

// Rejection reasons, used for logs and metrics only. Clients see ErrUnauthorized.
const (
	ReasonMalformed    = "malformed"
	ReasonMissingKeyID = "missing_kid"
	ReasonUnknownKeyID = "unknown_kid"
	ReasonSignature    = "signature"
	ReasonExpired      = "expired"
	ReasonNotYetValid  = "not_yet_valid"
	ReasonIssuer       = "issuer"
	ReasonAudience     = "audience"
	ReasonMissingJTI   = "missing_jti"
	ReasonRevoked      = "revoked"
	ReasonInvalid      = "invalid"
)

// RejectError is a rejected token. It matches ErrUnauthorized and the
// underlying cause with errors.Is.
type RejectError struct {
	Reason string
	cause  error
}

func (e *RejectError) Error() string {
	return "token: unauthorized: " + e.Reason
}

func (e *RejectError) Unwrap() []error {
	if e.cause == nil {
		return []error{ErrUnauthorized}
	}
	return []error{ErrUnauthorized, e.cause}
}

// RejectReason returns the reason carried by err, or "" when err is not a rejection.
func RejectReason(err error) string {
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}

func reject(reason string, cause error) error {
	return &RejectError{Reason: reason, cause: cause}
}

// VerificationKeySource resolves kids to public keys.
type VerificationKeySource interface {
	VerificationKey(kid string) (*keys.SigningKeyPair, error)
	Refresh(ctx context.Context) error
}

// RevocationChecker reports revoked jtis. Errors must not be read as "not revoked".
type RevocationChecker interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

// Verifier validates presented access tokens.
type Verifier struct {
	issuer   string
	audience string
	keys     VerificationKeySource
	ledger   RevocationChecker
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Instruments
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

func WithVerifierLogger(l *slog.Logger) VerifierOption {
	return func(v *Verifier) { v.logger = l }
}

func WithVerifierMetrics(m *metrics.Instruments) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// NewVerifier creates a Verifier that accepts tokens from issuer addressed to audience.
func NewVerifier(issuer, audience string, keySource VerificationKeySource, ledger RevocationChecker, opts ...VerifierOption) (*Verifier, error) {
	if issuer == "" || audience == "" {
		return nil, errors.New("verifier issuer and audience are required")
	}
	if keySource == nil || ledger == nil {
		return nil, errors.New("verifier key source and revocation ledger are required")
	}

	v := &Verifier{
		issuer:   issuer,
		audience: audience,
		keys:     keySource,
		ledger:   ledger,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(logger.Component("token_verifier"))
	return v, nil
}

// Verify checks the algorithm, the kid, the signature, the time window, the
// issuer, the audience and finally the revocation ledger. No leeway is applied
// to exp or nbf.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	ctx, span := tracer.Start(ctx, "token.Verify")
	defer span.End()

	claims, err := v.verify(ctx, raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token rejected")
		if reason := RejectReason(err); reason != "" {
			span.SetAttributes(attribute.String("token.reject_reason", reason))
			v.metrics.VerifyRejected(ctx, reason)
			v.logger.DebugContext(ctx, "access token rejected", logger.Reason(reason))
		} else {
			v.logger.ErrorContext(ctx, "access token verification failed", logger.Error(err))
		}
		return nil, err
	}
	return claims, nil
}

// VerifyWithKeyRefresh behaves like Verify, but an unknown kid triggers one
// forced key refresh and one retry. Other failures are returned unchanged.
func (v *Verifier) VerifyWithKeyRefresh(ctx context.Context, raw string) (*Claims, error) {
	claims, err := v.Verify(ctx, raw)
	if err == nil || !errors.Is(err, ErrUnknownKey) {
		return claims, err
	}

	if rerr := v.keys.Refresh(ctx); rerr != nil {
		v.logger.WarnContext(ctx, "key refresh after unknown kid failed", logger.Error(rerr))
		return nil, err
	}
	return v.Verify(ctx, raw)
}

// ParseForRevocation checks the signature and issuer of raw while ignoring its
// time window, so an expired token can still be named at logout.
func (v *Verifier) ParseForRevocation(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfunc,
		jwt.WithValidMethods([]string{keys.AlgorithmEdDSA}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, reject(ReasonInvalid, nil)
	}
	if claims.Issuer != v.issuer {
		return nil, reject(ReasonIssuer, nil)
	}
	claims.KeyID, _ = token.Header["kid"].(string)
	return claims, nil
}

func (v *Verifier) verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, reject(ReasonMalformed, nil)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, v.keyfunc,
		jwt.WithValidMethods([]string{keys.AlgorithmEdDSA}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, reject(ReasonInvalid, nil)
	}
	if claims.NotBefore == nil {
		return nil, reject(ReasonInvalid, nil)
	}
	if claims.ID == "" {
		return nil, reject(ReasonMissingJTI, nil)
	}
	claims.KeyID, _ = token.Header["kid"].(string)

	revoked, err := v.ledger.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if revoked {
		return nil, reject(ReasonRevoked, nil)
	}
	return claims, nil
}

func (v *Verifier) keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errMissingKeyID
	}
	key, err := v.keys.VerificationKey(kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownKey, err)
	}
	return key.PublicKey, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, errMissingKeyID):
		return reject(ReasonMissingKeyID, err)
	case errors.Is(err, ErrUnknownKey):
		return reject(ReasonUnknownKeyID, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return reject(ReasonMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return reject(ReasonSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return reject(ReasonExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return reject(ReasonNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return reject(ReasonIssuer, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return reject(ReasonAudience, err)
	default:
		return reject(ReasonInvalid, err)
	}
}
