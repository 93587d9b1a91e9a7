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

// Package oauth2 implements the authorization code flow with PKCE, refresh
// token rotation and logout on top of the token core.
package oauth2

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/opentrusty/tokencore/internal/audit"
	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/identity"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/observability/metrics"
	"github.com/opentrusty/tokencore/internal/observability/tracing"
	"github.com/opentrusty/tokencore/internal/oidc"
	"github.com/opentrusty/tokencore/internal/refresh"
	"github.com/opentrusty/tokencore/internal/revocation"
	"github.com/opentrusty/tokencore/internal/token"
)

const TokenTypeBearer = "Bearer"

var tracer = tracing.Tracer("github.com/opentrusty/tokencore/internal/oauth2")

// Dependencies are the collaborators a Service orchestrates.
type Dependencies struct {
	Clients  ClientRepository
	Codes    *CodeBroker
	Identity identity.Authenticator
	Issuer   *token.Issuer
	Verifier *token.Verifier
	Rotator  *refresh.Rotator
	Ledger   *revocation.Ledger
	// IDTokens is optional; without it the openid scope yields no id_token.
	IDTokens IDTokenIssuer
}

// IDTokenIssuer mints OIDC id_tokens.
type IDTokenIssuer interface {
	GenerateIDToken(ctx context.Context, req oidc.IDTokenRequest) (string, error)
}

// Service provides OAuth2 business logic
type Service struct {
	clients  ClientRepository
	codes    *CodeBroker
	identity identity.Authenticator
	issuer   *token.Issuer
	verifier *token.Verifier
	rotator  *refresh.Rotator
	ledger   *revocation.Ledger
	idTokens IDTokenIssuer

	auditLogger audit.Logger
	metrics     *metrics.Instruments
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithAuditLogger(a audit.Logger) Option {
	return func(s *Service) { s.auditLogger = a }
}

func WithMetrics(m *metrics.Instruments) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new OAuth2 service
func NewService(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Clients == nil || deps.Codes == nil || deps.Identity == nil ||
		deps.Issuer == nil || deps.Verifier == nil || deps.Rotator == nil || deps.Ledger == nil {
		return nil, errors.New("oauth2: all dependencies are required")
	}

	s := &Service{
		clients:     deps.Clients,
		codes:       deps.Codes,
		identity:    deps.Identity,
		issuer:      deps.Issuer,
		verifier:    deps.Verifier,
		rotator:     deps.Rotator,
		ledger:      deps.Ledger,
		idTokens:    deps.IDTokens,
		auditLogger: audit.NewSlogLogger(nil),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("oauth2"))
	return s, nil
}

// AuthorizeRequest represents an OAuth2 authorization request
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Credentials are the end-user's login inputs for the authorization endpoint.
type Credentials struct {
	Username string
	Password string
	MFACode  string
}

// AuthorizeResponse carries the issued code back to the client's redirect URI.
type AuthorizeResponse struct {
	Code        string
	State       string
	RedirectURI string
}

// TokenRequest represents an OAuth2 token request
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	CodeVerifier string
}

// TokenResponse is the token endpoint body. The refresh token travels only in
// a cookie, so it is excluded from JSON.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	RefreshToken string `json:"-"`
}

// ValidateAuthorizeRequest validates an authorization request (RFC 6749 Section 4.1.1)
func (s *Service) ValidateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest) (*Client, error) {
	client, err := s.clients.GetByClientID(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, ErrClientNotFound) {
			return nil, NewError(ErrInvalidRequest, "invalid client_id")
		}
		return nil, NewError(ErrServerError, "client lookup failed").Wrap(err)
	}
	if !client.IsActive {
		return nil, NewError(ErrInvalidRequest, "client is disabled")
	}

	// RFC 6749 Section 3.1.2: exact match against registered URIs
	if !client.ValidateRedirectURI(req.RedirectURI) {
		return nil, NewError(ErrInvalidRequest, "invalid redirect_uri")
	}

	if req.ResponseType != ResponseTypeCode {
		return nil, NewError(ErrUnsupportedResponseType, "response_type must be 'code'").WithState(req.State)
	}

	if !client.ValidateScope(req.Scope) {
		return nil, NewError(ErrInvalidScope, "invalid scope").WithState(req.State)
	}

	if req.CodeChallenge == "" {
		return nil, NewError(ErrInvalidRequest, "code_challenge is required").WithState(req.State)
	}
	if req.CodeChallengeMethod != crypto.PKCEMethodS256 {
		return nil, NewError(ErrInvalidRequest, "code_challenge_method must be S256").WithState(req.State)
	}

	return client, nil
}

// Authorize validates the request, authenticates the end-user (with a TOTP
// step-up when enrolled) and issues an authorization code.
func (s *Service) Authorize(ctx context.Context, req *AuthorizeRequest, creds Credentials) (*AuthorizeResponse, error) {
	ctx, span := tracer.Start(ctx, "oauth2.Authorize")
	defer span.End()

	client, err := s.ValidateAuthorizeRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	subject, err := s.identity.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) || errors.Is(err, identity.ErrAccountLocked) {
			return nil, NewError(ErrAccessDenied, "invalid credentials").WithState(req.State).Wrap(err)
		}
		span.RecordError(err)
		return nil, NewError(ErrServerError, "authentication failed").WithState(req.State).Wrap(err)
	}

	if subject.MFARequired() {
		if creds.MFACode == "" {
			return nil, NewError(ErrAccessDenied, "mfa_required").WithState(req.State)
		}
		if !identity.VerifyTOTP(subject.MFASecret, creds.MFACode, s.now()) {
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeMFAFailed,
				TenantID: subject.TenantID,
				ActorID:  subject.ID,
				ClientID: client.ClientID,
				Resource: "authorize",
			})
			return nil, NewError(ErrAccessDenied, "invalid mfa code").WithState(req.State)
		}
	}

	code, err := s.codes.Issue(ctx, CodeRequest{
		ClientID:            client.ClientID,
		SubjectID:           subject.ID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		Scope:               req.Scope,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "code issuance failed")
		return nil, AsError(err).WithState(req.State)
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeCodeIssued,
		TenantID: subject.TenantID,
		ActorID:  subject.ID,
		ClientID: client.ClientID,
		Resource: "authorization_code",
		Metadata: map[string]any{audit.AttrScope: req.Scope},
	})

	return &AuthorizeResponse{Code: code, State: req.State, RedirectURI: req.RedirectURI}, nil
}

// Exchange redeems an authorization code for an access token and a refresh
// token (RFC 6749 Section 4.1.3).
func (s *Service) Exchange(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	ctx, span := tracer.Start(ctx, "oauth2.Exchange")
	defer span.End()

	if req.GrantType != GrantTypeAuthorizationCode {
		return nil, NewError(ErrUnsupportedGrantType, "grant_type must be 'authorization_code'")
	}

	// Consume the code before any other check; every attempt burns it.
	grant, err := s.codes.Exchange(ctx, req.Code, req.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		s.metrics.CodeExchange(ctx, "rejected")
		oe := AsError(err)
		if oe.Code == ErrServerError {
			span.RecordError(err)
			span.SetStatus(codes.Error, "code store unavailable")
			s.logger.ErrorContext(ctx, "authorization code exchange failed", logger.Error(err))
		} else {
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeCodeRejected,
				ClientID: req.ClientID,
				Resource: "authorization_code",
				Metadata: map[string]any{audit.AttrReason: rejectCause(oe)},
			})
		}
		return nil, oe
	}

	client, err := s.clients.GetByClientID(ctx, grant.ClientID)
	if err != nil && !errors.Is(err, ErrClientNotFound) {
		return nil, NewError(ErrServerError, "client lookup failed").Wrap(err)
	}
	if err != nil || !client.IsActive {
		s.metrics.CodeExchange(ctx, "rejected")
		return nil, NewError(ErrInvalidClient, "unknown client")
	}
	s.metrics.CodeExchange(ctx, "ok")

	subject, err := s.identity.Lookup(ctx, grant.SubjectID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, invalidCode(err)
		}
		return nil, NewError(ErrServerError, "subject lookup failed").Wrap(err)
	}

	resp, err := s.issueTokens(ctx, subject, grant.Scope)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token issuance failed")
		return nil, err
	}

	rt, err := s.issuer.IssueRefreshToken(ctx, subject.ID, grant.Scope)
	if err != nil {
		s.logger.ErrorContext(ctx, "refresh token issuance failed", logger.Error(err))
		return nil, NewError(ErrServerError, "failed to issue refresh token").Wrap(err)
	}
	resp.RefreshToken = rt

	if s.idTokens != nil && containsScope(grant.Scope, ScopeOpenID) {
		idToken, err := s.idTokens.GenerateIDToken(ctx, oidc.IDTokenRequest{
			SubjectID:   subject.ID,
			TenantID:    subject.TenantID,
			ClientID:    client.ClientID,
			Nonce:       grant.Nonce,
			AccessToken: resp.AccessToken,
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "id_token issuance failed", logger.Error(err))
			_ = s.rotator.Revoke(ctx, rt)
			return nil, NewError(ErrServerError, "failed to issue id_token").Wrap(err)
		}
		resp.IDToken = idToken
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenIssued,
		TenantID: subject.TenantID,
		ActorID:  subject.ID,
		ClientID: client.ClientID,
		Resource: "token",
		Metadata: map[string]any{audit.AttrScope: grant.Scope},
	})
	return resp, nil
}

// Refresh rotates rawRefresh and issues a new access token for its subject
// (RFC 6749 Section 6). A token presented after rotation fails with an
// invalid_grant error wrapping refresh.ErrReplayDetected; its successor stays valid.
func (s *Service) Refresh(ctx context.Context, rawRefresh string) (*TokenResponse, error) {
	ctx, span := tracer.Start(ctx, "oauth2.Refresh")
	defer span.End()

	if rawRefresh == "" {
		return nil, NewError(ErrInvalidRequest, "refresh token is required")
	}

	next, rec, err := s.rotator.Rotate(ctx, rawRefresh)
	if err != nil {
		switch {
		case errors.Is(err, refresh.ErrReplayDetected):
			s.metrics.RefreshReplay(ctx)
			s.auditLogger.Log(ctx, audit.Event{
				Type:     audit.TypeRefreshReplayDetected,
				Resource: "refresh_token",
				Metadata: map[string]any{"presented_hash": crypto.Hash(rawRefresh)},
			})
			return nil, NewError(ErrInvalidGrant, "refresh token is invalid").Wrap(err)
		case errors.Is(err, refresh.ErrInvalid):
			return nil, NewError(ErrInvalidGrant, "refresh token is invalid").Wrap(err)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "refresh store unavailable")
			s.logger.ErrorContext(ctx, "refresh rotation failed", logger.Error(err))
			return nil, NewError(ErrServerError, "refresh failed").Wrap(err)
		}
	}

	subject, err := s.identity.Lookup(ctx, rec.SubjectID)
	if err != nil {
		_ = s.rotator.Revoke(ctx, next)
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, NewError(ErrInvalidGrant, "refresh token is invalid").Wrap(err)
		}
		return nil, NewError(ErrServerError, "subject lookup failed").Wrap(err)
	}

	resp, err := s.issueTokens(ctx, subject, rec.Scope)
	if err != nil {
		_ = s.rotator.Revoke(ctx, next)
		return nil, err
	}
	resp.RefreshToken = next

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeTokenRefreshed,
		TenantID: subject.TenantID,
		ActorID:  subject.ID,
		Resource: "token",
	})
	return resp, nil
}

// Logout revokes the access token's jti for its remaining lifetime and deletes
// the refresh token. Every step is best effort; failures are logged and never
// reported to the caller.
func (s *Service) Logout(ctx context.Context, rawAccess, rawRefresh string) {
	ctx, span := tracer.Start(ctx, "oauth2.Logout")
	defer span.End()

	var actor, tenant string
	if rawAccess != "" {
		claims, err := s.verifier.ParseForRevocation(rawAccess)
		switch {
		case err != nil:
			s.logger.DebugContext(ctx, "logout access token not revocable", logger.Reason(token.RejectReason(err)))
		case claims.ExpiresAt == nil:
			s.logger.DebugContext(ctx, "logout access token has no exp")
		default:
			actor, tenant = claims.Subject, claims.TenantID
			ttl := claims.ExpiresAt.Sub(s.now())
			if err := s.ledger.Revoke(ctx, claims.ID, ttl); err != nil {
				span.RecordError(err)
				s.logger.WarnContext(ctx, "failed to revoke access token", logger.Error(err))
			} else if ttl > 0 {
				s.metrics.Revoked(ctx)
				s.auditLogger.Log(ctx, audit.Event{
					Type:     audit.TypeTokenRevoked,
					TenantID: tenant,
					ActorID:  actor,
					Resource: "access_token",
				})
			}
		}
	}

	if rawRefresh != "" {
		if err := s.rotator.Revoke(ctx, rawRefresh); err != nil {
			span.RecordError(err)
			s.logger.WarnContext(ctx, "failed to delete refresh token", logger.Error(err))
		}
	}

	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeLogout,
		TenantID: tenant,
		ActorID:  actor,
		Resource: "session",
	})
}

// VerifyAccessToken validates a presented access token for resource endpoints.
func (s *Service) VerifyAccessToken(ctx context.Context, raw string) (*token.Claims, error) {
	claims, err := s.verifier.VerifyWithKeyRefresh(ctx, raw)
	if err != nil {
		if errors.Is(err, token.ErrUnauthorized) {
			return nil, NewError(ErrInvalidToken, "access token is invalid").Wrap(err)
		}
		return nil, NewError(ErrServerError, "token verification unavailable").Wrap(err)
	}
	return claims, nil
}

// AccessTokenLifetime is the max-age for access token cookies.
func (s *Service) AccessTokenLifetime() time.Duration {
	return s.issuer.AccessTokenLifetime()
}

// RefreshTokenLifetime is the max-age for refresh token cookies.
func (s *Service) RefreshTokenLifetime() time.Duration {
	return s.rotator.Lifetime()
}

// rejectCause is the audit reason for a rejected protocol error: the wrapped
// cause when there is one, otherwise the description.
func rejectCause(oe *Error) string {
	if cause := oe.Unwrap(); cause != nil {
		return cause.Error()
	}
	return oe.Description
}

func (s *Service) issueTokens(ctx context.Context, subject *identity.Subject, scope string) (*TokenResponse, error) {
	access, err := s.issuer.IssueAccessToken(ctx, token.AccessTokenRequest{
		SubjectID: subject.ID,
		TenantID:  subject.TenantID,
		Scope:     scope,
		Roles:     subject.Roles,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "access token issuance failed", logger.Error(err))
		return nil, NewError(ErrServerError, "failed to issue access token").Wrap(err)
	}

	return &TokenResponse{
		AccessToken: access.Raw,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int(access.ExpiresIn(s.now()) / time.Second),
		Scope:       scope,
	}, nil
}
