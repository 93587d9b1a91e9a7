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
	"errors"
	"time"
)

// Domain errors
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidUsername    = errors.New("invalid username")
	ErrWeakPassword       = errors.New("password does not meet security requirements")
	ErrAccountLocked      = errors.New("account is locked")
)

// User is a stored identity.
type User struct {
	ID                  string
	TenantID            string
	Username            string
	Roles               []string
	MFASecret           string
	FailedLoginAttempts int
	LockedUntil         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Subject is the authenticated view of a user handed to token issuance.
type Subject struct {
	ID       string
	TenantID string
	Username string
	Roles    []string
	// MFASecret is the base32 TOTP seed; empty when MFA is not enrolled.
	MFASecret string
}

// MFARequired reports whether the subject must pass a TOTP step-up.
func (s *Subject) MFARequired() bool {
	return s.MFASecret != ""
}

func (u *User) subject() *Subject {
	return &Subject{
		ID:        u.ID,
		TenantID:  u.TenantID,
		Username:  u.Username,
		Roles:     u.Roles,
		MFASecret: u.MFASecret,
	}
}

// Credentials represents user authentication credentials
type Credentials struct {
	UserID       string
	PasswordHash string
	UpdatedAt    time.Time
}

// Authenticator resolves credentials and subject IDs to subjects.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (*Subject, error)
	Lookup(ctx context.Context, subjectID string) (*Subject, error)
}

// UserRepository defines the interface for user persistence
type UserRepository interface {
	// Create creates a new user identity
	Create(ctx context.Context, user *User) error

	// AddCredentials stores or replaces the password hash for a user
	AddCredentials(ctx context.Context, credentials *Credentials) error

	// GetByID retrieves a user by ID
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByUsername retrieves a user by login name
	GetByUsername(ctx context.Context, username string) (*User, error)

	// GetCredentials retrieves user credentials
	GetCredentials(ctx context.Context, userID string) (*Credentials, error)

	// UpdateLockout updates user lockout status
	UpdateLockout(ctx context.Context, userID string, failedAttempts int, lockedUntil *time.Time) error

	// UpdateMFASecret sets or clears the TOTP seed
	UpdateMFASecret(ctx context.Context, userID, secret string) error
}
