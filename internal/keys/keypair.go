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

package keys

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	tcrypto "github.com/opentrusty/tokencore/internal/crypto"
)

// AlgorithmEdDSA is the only signing algorithm issued and accepted.
const AlgorithmEdDSA = "EdDSA"

// ErrInvalidKeyPair is returned when key material or its windows are inconsistent.
var ErrInvalidKeyPair = errors.New("keys: invalid key pair")

// SigningKeyPair is an Ed25519 key with its signing and verification windows.
// The private half is unexported and only used through Sign.
type SigningKeyPair struct {
	KeyID       string
	Algorithm   string
	PublicKey   ed25519.PublicKey
	CreatedAt   time.Time
	SignUntil   time.Time
	VerifyUntil time.Time

	privateKey ed25519.PrivateKey
}

// NewSigningKeyPair wraps existing key material. An empty kid is replaced by
// the key's RFC 7638 thumbprint. Windows must satisfy createdAt < signUntil < verifyUntil.
func NewSigningKeyPair(kid string, priv ed25519.PrivateKey, createdAt, signUntil, verifyUntil time.Time) (*SigningKeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKeyPair, len(priv))
	}
	if !createdAt.Before(signUntil) || !signUntil.Before(verifyUntil) {
		return nil, fmt.Errorf("%w: windows must satisfy created < sign_until < verify_until", ErrInvalidKeyPair)
	}

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected public key type", ErrInvalidKeyPair)
	}

	if kid == "" {
		var err error
		if kid, err = Thumbprint(pub); err != nil {
			return nil, err
		}
	}

	return &SigningKeyPair{
		KeyID:       kid,
		Algorithm:   AlgorithmEdDSA,
		PublicKey:   pub,
		CreatedAt:   createdAt,
		SignUntil:   signUntil,
		VerifyUntil: verifyUntil,
		privateKey:  priv,
	}, nil
}

// GenerateSigningKeyPair creates fresh key material valid for signing during
// signLifetime and for verification for a further verifyGrace.
func GenerateSigningKeyPair(now time.Time, signLifetime, verifyGrace time.Duration) (*SigningKeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key: %w", err)
	}
	signUntil := now.Add(signLifetime)
	return NewSigningKeyPair("", priv, now, signUntil, signUntil.Add(verifyGrace))
}

// Thumbprint computes the RFC 7638 JWK thumbprint of pub, base64url encoded.
func Thumbprint(pub ed25519.PublicKey) (string, error) {
	jwk := jose.JSONWebKey{Key: pub}
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// CanSign reports whether the key may sign new tokens at now.
func (k *SigningKeyPair) CanSign(now time.Time) bool {
	return !now.Before(k.CreatedAt) && now.Before(k.SignUntil)
}

// CanVerify reports whether tokens signed by the key are still accepted at now.
func (k *SigningKeyPair) CanVerify(now time.Time) bool {
	return now.Before(k.VerifyUntil)
}

// Sign stamps the kid header on token and signs it.
func (k *SigningKeyPair) Sign(token *jwt.Token) (string, error) {
	if token.Method.Alg() != k.Algorithm {
		return "", fmt.Errorf("%w: token method %s does not match key algorithm %s", ErrInvalidKeyPair, token.Method.Alg(), k.Algorithm)
	}
	token.Header["kid"] = k.KeyID
	return token.SignedString(k.privateKey)
}

// JWK returns the public half as a JSON Web Key.
func (k *SigningKeyPair) JWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.PublicKey,
		KeyID:     k.KeyID,
		Algorithm: k.Algorithm,
		Use:       "sig",
	}
}

// SealPrivateKey returns the private seed encrypted under encKey (AES-GCM)
// for storage by an external key provisioner.
func (k *SigningKeyPair) SealPrivateKey(encKey []byte) ([]byte, error) {
	return tcrypto.Seal(encKey, k.privateKey.Seed())
}

// OpenSigningKeyPair rebuilds a key sealed with SealPrivateKey.
func OpenSigningKeyPair(kid string, sealed, encKey []byte, createdAt, signUntil, verifyUntil time.Time) (*SigningKeyPair, error) {
	seed, err := tcrypto.Open(encKey, sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decrypt private key: %w", ErrInvalidKeyPair, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed is %d bytes", ErrInvalidKeyPair, len(seed))
	}
	return NewSigningKeyPair(kid, ed25519.NewKeyFromSeed(seed), createdAt, signUntil, verifyUntil)
}
