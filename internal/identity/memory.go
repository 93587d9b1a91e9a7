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

package identity

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository is a process-local UserRepository for development and tests.
type MemoryRepository struct {
	mu          sync.RWMutex
	users       map[string]*User
	credentials map[string]*Credentials
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]*User),
		credentials: make(map[string]*Credentials),
	}
}

func (m *MemoryRepository) Create(_ context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrUserAlreadyExists
		}
	}
	now := time.Now()
	user.CreatedAt, user.UpdatedAt = now, now
	m.users[user.ID] = clone(user)
	return nil
}

func (m *MemoryRepository) AddCredentials(_ context.Context, credentials *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[credentials.UserID]; !ok {
		return ErrUserNotFound
	}
	credentials.UpdatedAt = time.Now()
	c := *credentials
	m.credentials[credentials.UserID] = &c
	return nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return clone(u), nil
}

func (m *MemoryRepository) GetByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return clone(u), nil
		}
	}
	return nil, ErrUserNotFound
}

func (m *MemoryRepository) GetCredentials(_ context.Context, userID string) (*Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryRepository) UpdateLockout(_ context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.FailedLoginAttempts = failedAttempts
	u.LockedUntil = lockedUntil
	u.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryRepository) UpdateMFASecret(_ context.Context, userID, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.MFASecret = secret
	u.UpdatedAt = time.Now()
	return nil
}

func clone(u *User) *User {
	cp := *u
	cp.Roles = slices.Clone(u.Roles)
	return &cp
}
