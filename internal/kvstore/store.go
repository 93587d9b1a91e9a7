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

// Package kvstore provides the TTL key/value store that backs authorization
// codes, refresh-token records and revoked token identifiers.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// DefaultOperationTimeout bounds every store call.
const DefaultOperationTimeout = 2 * time.Second

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrUnavailable wraps transport or server failures. Callers must fail closed.
	ErrUnavailable = errors.New("kvstore: store unavailable")

	// ErrInvalidTTL is returned for writes without a positive TTL.
	ErrInvalidTTL = errors.New("kvstore: ttl must be positive")
)

// Store is a TTL-capable key/value store.
//
// GetAndDelete must be atomic: of any number of concurrent callers for the
// same key, at most one observes the value.
type Store interface {
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetAndDelete(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
