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

// Package keys owns the pool of signing keys used for access tokens.
package keys

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"

	"github.com/opentrusty/tokencore/internal/audit"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/observability/metrics"
)

var (
	// ErrNoKeyAvailable means no key can sign. Callers must not issue unsigned tokens.
	ErrNoKeyAvailable = errors.New("keys: no signing key available")

	// ErrKeyNotFound means the kid is unknown or past its verification window.
	ErrKeyNotFound = errors.New("keys: verification key not found")
)

// Config sizes the pool and its windows.
type Config struct {
	// PoolSize is the number of sign-eligible keys kept.
	PoolSize int
	// SignLifetime is how long a new key may sign.
	SignLifetime time.Duration
	// AccessTokenLifetime extends verification past SignUntil so the last
	// token a key signs stays verifiable until it expires.
	AccessTokenLifetime time.Duration
}

func (c Config) validate() error {
	if c.PoolSize < 1 {
		return errors.New("key pool size must be at least 1")
	}
	if c.SignLifetime <= 0 {
		return errors.New("key sign lifetime must be positive")
	}
	if c.AccessTokenLifetime <= 0 {
		return errors.New("access token lifetime must be positive")
	}
	return nil
}

// Loader supplies externally provisioned keys.
type Loader interface {
	Load(ctx context.Context) ([]*SigningKeyPair, error)
}

// KeyStore holds the current key pool.
//
// Readers load the pool through an atomic pointer and never block. Writers
// build a new slice and swap it in under mu, so a reader sees either the old
// or the new pool, never a partial one.
type KeyStore struct {
	cfg     Config
	loader  Loader
	now     func() time.Time
	logger  *slog.Logger
	audit   audit.Logger
	metrics *metrics.Instruments

	pool     atomic.Pointer[[]*SigningKeyPair]
	mu       sync.Mutex
	external atomic.Bool
	refresh  singleflight.Group
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithLoader makes the store use provisioned keys instead of generating its own.
func WithLoader(l Loader) Option {
	return func(s *KeyStore) { s.loader = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *KeyStore) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *KeyStore) { s.logger = l }
}

func WithAuditLogger(a audit.Logger) Option {
	return func(s *KeyStore) { s.audit = a }
}

func WithMetrics(m *metrics.Instruments) Option {
	return func(s *KeyStore) { s.metrics = m }
}

// New creates an empty KeyStore. Call Initialize before use.
func New(cfg Config, opts ...Option) (*KeyStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid key store config: %w", err)
	}

	s := &KeyStore{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.Component("keystore"))

	empty := []*SigningKeyPair{}
	s.pool.Store(&empty)
	return s, nil
}

// Initialize fills the pool. With a Loader the provisioned keys are loaded
// once and local generation is disabled for the life of the store.
func (s *KeyStore) Initialize(ctx context.Context) error {
	if s.loader == nil {
		s.logger.WarnContext(ctx, "no key loader configured, generating ephemeral signing keys",
			logger.PoolSize(s.cfg.PoolSize),
		)
		return s.Rotate(ctx)
	}

	s.external.Store(true)
	if err := s.reload(ctx); err != nil {
		return err
	}
	if len(s.signable(s.now())) == 0 {
		return fmt.Errorf("%w: no provisioned key is inside its signing window", ErrNoKeyAvailable)
	}
	return nil
}

// External reports whether keys come from a Loader.
func (s *KeyStore) External() bool {
	return s.external.Load()
}

// Rotate purges keys past VerifyUntil and, unless keys are provisioned
// externally, generates keys until PoolSize of them can sign. Concurrent calls
// serialize; a call that finds the pool already satisfied changes nothing.
func (s *KeyStore) Rotate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	current := *s.pool.Load()

	next := make([]*SigningKeyPair, 0, len(current)+s.cfg.PoolSize)
	var purged []*SigningKeyPair
	signable := 0
	for _, k := range current {
		if !k.CanVerify(now) {
			purged = append(purged, k)
			continue
		}
		if k.CanSign(now) {
			signable++
		}
		next = append(next, k)
	}

	var (
		generated []*SigningKeyPair
		genErr    error
	)
	if !s.external.Load() {
		for signable < s.cfg.PoolSize {
			k, err := GenerateSigningKeyPair(now, s.cfg.SignLifetime, s.cfg.AccessTokenLifetime)
			if err != nil {
				genErr = err
				break
			}
			next = append(next, k)
			generated = append(generated, k)
			signable++
		}
	}

	if len(purged) == 0 && len(generated) == 0 {
		return genErr
	}

	s.pool.Store(&next)
	s.record(ctx, generated, purged, len(next))
	return genErr
}

// Refresh forces a reload of provisioned keys, or a rotation when keys are
// generated locally. Concurrent callers share one refresh.
func (s *KeyStore) Refresh(ctx context.Context) error {
	_, err, _ := s.refresh.Do("refresh", func() (any, error) {
		if s.external.Load() {
			return nil, s.reload(ctx)
		}
		return nil, s.Rotate(ctx)
	})
	return err
}

// Run rotates on every tick until ctx is done.
func (s *KeyStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Rotate(ctx); err != nil {
				s.logger.ErrorContext(ctx, "key rotation failed", logger.Error(err))
			}
		}
	}
}

// ActiveSigningKey returns the newest key that may sign now. When none can, it
// rotates once and checks again before giving up with ErrNoKeyAvailable.
func (s *KeyStore) ActiveSigningKey(ctx context.Context) (*SigningKeyPair, error) {
	if k := newest(s.signable(s.now())); k != nil {
		return k, nil
	}

	if err := s.Rotate(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoKeyAvailable, err)
	}

	if k := newest(s.signable(s.now())); k != nil {
		return k, nil
	}
	return nil, ErrNoKeyAvailable
}

// VerificationKey returns the key named kid if it is still inside its verification window.
func (s *KeyStore) VerificationKey(kid string) (*SigningKeyPair, error) {
	now := s.now()
	for _, k := range *s.pool.Load() {
		if k.KeyID == kid && k.CanVerify(now) {
			return k, nil
		}
	}
	return nil, ErrKeyNotFound
}

// PublicKeySet returns the JWKS view of every verifiable key.
func (s *KeyStore) PublicKeySet() jose.JSONWebKeySet {
	now := s.now()
	set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{}}
	for _, k := range *s.pool.Load() {
		if k.CanVerify(now) {
			set.Keys = append(set.Keys, k.JWK())
		}
	}
	return set
}

// Keys returns a snapshot of the pool.
func (s *KeyStore) Keys() []*SigningKeyPair {
	current := *s.pool.Load()
	out := make([]*SigningKeyPair, len(current))
	copy(out, current)
	return out
}

func (s *KeyStore) reload(ctx context.Context) error {
	loaded, err := s.loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	next := make([]*SigningKeyPair, 0, len(loaded))
	for _, k := range loaded {
		if k.CanVerify(now) {
			next = append(next, k)
		}
	}

	added, removed := diffKeys(*s.pool.Load(), next)
	s.pool.Store(&next)

	for _, k := range added {
		s.logger.InfoContext(ctx, "signing key loaded", logger.KeyID(k.KeyID))
	}
	for _, k := range removed {
		s.logger.InfoContext(ctx, "signing key dropped", logger.KeyID(k.KeyID))
	}
	s.logger.InfoContext(ctx, "loaded provisioned signing keys",
		logger.PoolSize(len(next)),
	)
	s.metrics.KeysChanged(ctx, len(added), len(removed))
	return nil
}

// diffKeys returns the keys of next absent from previous and the keys of
// previous absent from next, compared by kid.
func diffKeys(previous, next []*SigningKeyPair) (added, removed []*SigningKeyPair) {
	prev := make(map[string]struct{}, len(previous))
	for _, k := range previous {
		prev[k.KeyID] = struct{}{}
	}
	cur := make(map[string]struct{}, len(next))
	for _, k := range next {
		cur[k.KeyID] = struct{}{}
		if _, ok := prev[k.KeyID]; !ok {
			added = append(added, k)
		}
	}
	for _, k := range previous {
		if _, ok := cur[k.KeyID]; !ok {
			removed = append(removed, k)
		}
	}
	return added, removed
}

func (s *KeyStore) signable(now time.Time) []*SigningKeyPair {
	var out []*SigningKeyPair
	for _, k := range *s.pool.Load() {
		if k.CanSign(now) {
			out = append(out, k)
		}
	}
	return out
}

func (s *KeyStore) record(ctx context.Context, generated, purged []*SigningKeyPair, size int) {
	for _, k := range generated {
		s.logger.InfoContext(ctx, "signing key generated",
			logger.KeyID(k.KeyID),
			slog.Time("sign_until", k.SignUntil),
			slog.Time("verify_until", k.VerifyUntil),
		)
	}
	for _, k := range purged {
		s.logger.InfoContext(ctx, "signing key purged", logger.KeyID(k.KeyID))
	}

	s.metrics.KeysChanged(ctx, len(generated), len(purged))

	if s.audit != nil {
		s.audit.Log(ctx, audit.Event{
			Type:     audit.TypeKeyRotated,
			Resource: "signing_keys",
			Metadata: map[string]any{
				"generated": len(generated),
				"purged":    len(purged),
				"pool_size": size,
			},
		})
	}
}

// newest picks the most recently created key; ties break on the later SignUntil, then kid.
func newest(keys []*SigningKeyPair) *SigningKeyPair {
	if len(keys) == 0 {
		return nil
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		if !a.SignUntil.Equal(b.SignUntil) {
			return a.SignUntil.After(b.SignUntil)
		}
		return a.KeyID < b.KeyID
	})
	return keys[0]
}
