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
	"errors"
	"fmt"
	"time"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/kvstore"
)

const codeKeyPrefix = "code:"

// invalidCodeDescription is the only error_description a rejected redemption
// carries; the specific cause is wrapped for logs and audit.
const invalidCodeDescription = "authorization code is invalid"

// Causes wrapped by invalid_grant errors from CodeBroker.Exchange.
var (
	ErrCodeNotFound     = errors.New("authorization code not found or already used")
	ErrCodeCorrupt      = errors.New("authorization code record is corrupt")
	ErrRedirectMismatch = errors.New("redirect_uri mismatch")
	ErrClientMismatch   = errors.New("client_id mismatch")
	ErrCodeExpired      = errors.New("authorization code expired")
	ErrUnsupportedPKCE  = errors.New("unsupported code_challenge_method")
	ErrVerifierMismatch = errors.New("code_verifier mismatch")
)

// DefaultCodeLifetime keeps codes well under the 10 minute ceiling of RFC 6749 Section 4.1.2.
const DefaultCodeLifetime = 5 * time.Minute

// CodeRequest is everything bound to an authorization code at issuance.
type CodeRequest struct {
	ClientID            string
	SubjectID           string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	Scope               string
}

// Grant is a redeemed authorization code.
type Grant struct {
	ClientID    string
	SubjectID   string
	RedirectURI string
	Scope       string
	Nonce       string
}

type codeRecord struct {
	ClientID            string    `json:"client_id"`
	SubjectID           string    `json:"subject_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Nonce               string    `json:"nonce,omitempty"`
	Scope               string    `json:"scope,omitempty"`
	ExpiresAt           time.Time `json:"expires_at"`
}

// CodeBroker issues single-use, PKCE-bound authorization codes.
type CodeBroker struct {
	store    kvstore.Store
	lifetime time.Duration
	now      func() time.Time
}

// CodeBrokerOption configures a CodeBroker.
type CodeBrokerOption func(*CodeBroker)

func WithCodeClock(now func() time.Time) CodeBrokerOption {
	return func(b *CodeBroker) { b.now = now }
}

// NewCodeBroker creates a broker over store. A non-positive lifetime selects DefaultCodeLifetime.
func NewCodeBroker(store kvstore.Store, lifetime time.Duration, opts ...CodeBrokerOption) *CodeBroker {
	if lifetime <= 0 {
		lifetime = DefaultCodeLifetime
	}
	b := &CodeBroker{store: store, lifetime: lifetime, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Issue stores req under a fresh code and returns the code. Only S256
// challenges are accepted (RFC 7636 Section 4.2; "plain" is refused).
func (b *CodeBroker) Issue(ctx context.Context, req CodeRequest) (string, error) {
	if req.CodeChallengeMethod != crypto.PKCEMethodS256 {
		return "", NewError(ErrInvalidRequest, "code_challenge_method must be S256")
	}
	if req.CodeChallenge == "" {
		return "", NewError(ErrInvalidRequest, "code_challenge is required")
	}
	if req.ClientID == "" || req.SubjectID == "" || req.RedirectURI == "" {
		return "", NewError(ErrInvalidRequest, "client, subject and redirect_uri are required")
	}

	code, err := crypto.RandomToken(crypto.DefaultTokenBytes)
	if err != nil {
		return "", NewError(ErrServerError, "failed to generate code").Wrap(err)
	}

	value, err := json.Marshal(codeRecord{
		ClientID:            req.ClientID,
		SubjectID:           req.SubjectID,
		RedirectURI:         req.RedirectURI,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Nonce:               req.Nonce,
		Scope:               req.Scope,
		ExpiresAt:           b.now().Add(b.lifetime).UTC(),
	})
	if err != nil {
		return "", NewError(ErrServerError, "failed to encode code").Wrap(err)
	}

	if err := b.store.SetWithTTL(ctx, codeKey(code), value, b.lifetime); err != nil {
		return "", NewError(ErrServerError, "failed to persist authorization code").Wrap(err)
	}
	return code, nil
}

// Exchange redeems code. The record is removed before any check runs, so a
// failed exchange still burns the code and two concurrent exchanges cannot
// both succeed.
func (b *CodeBroker) Exchange(ctx context.Context, code, clientID, redirectURI, verifier string) (*Grant, error) {
	if code == "" {
		return nil, NewError(ErrInvalidRequest, "code is required")
	}

	value, err := b.store.GetAndDelete(ctx, codeKey(code))
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, invalidCode(ErrCodeNotFound)
		}
		return nil, NewError(ErrServerError, "authorization code store unavailable").Wrap(err)
	}

	var rec codeRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return nil, invalidCode(fmt.Errorf("%w: %v", ErrCodeCorrupt, err))
	}

	switch {
	case rec.RedirectURI != redirectURI:
		return nil, invalidCode(ErrRedirectMismatch)
	case rec.ClientID != clientID:
		return nil, invalidCode(ErrClientMismatch)
	case !b.now().Before(rec.ExpiresAt):
		return nil, invalidCode(ErrCodeExpired)
	case rec.CodeChallengeMethod != crypto.PKCEMethodS256:
		return nil, invalidCode(ErrUnsupportedPKCE)
	case verifier == "" || !crypto.VerifyS256(rec.CodeChallenge, verifier):
		return nil, invalidCode(ErrVerifierMismatch)
	}

	return &Grant{
		ClientID:    rec.ClientID,
		SubjectID:   rec.SubjectID,
		RedirectURI: rec.RedirectURI,
		Scope:       rec.Scope,
		Nonce:       rec.Nonce,
	}, nil
}

// invalidCode builds the single invalid_grant error every failed redemption
// returns, so responses do not reveal which check failed.
func invalidCode(cause error) *Error {
	return NewError(ErrInvalidGrant, invalidCodeDescription).Wrap(cause)
}

func codeKey(code string) string {
	return codeKeyPrefix + crypto.Hash(code)
}
