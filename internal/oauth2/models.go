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
	"errors"
	"slices"
	"strings"
)

// Domain errors (Internal)
var (
	ErrClientNotFound = errors.New("client not found")
)

const (
	ScopeOpenID = "openid"
	ScopeRoles  = "roles"

	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	ResponseTypeCode           = "code"
)

// Client represents a registered public client. Every client must use PKCE.
type Client struct {
	ClientID      string   `json:"client_id"`
	TenantID      string   `json:"tenant_id,omitempty"`
	ClientName    string   `json:"client_name,omitempty"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes"`
	IsActive      bool     `json:"is_active"`
}

// ValidateRedirectURI checks if the redirect URI is allowed for this client.
// Matching is exact string comparison (RFC 6749 Section 3.1.2.3).
func (c *Client) ValidateRedirectURI(redirectURI string) bool {
	return redirectURI != "" && slices.Contains(c.RedirectURIs, redirectURI)
}

// ValidateScope checks if the requested scope is allowed for this client
func (c *Client) ValidateScope(requestedScope string) bool {
	if requestedScope == "" {
		return true
	}

	for _, reqScope := range strings.Fields(requestedScope) {
		if !slices.Contains(c.AllowedScopes, reqScope) && !slices.Contains(c.AllowedScopes, "*") {
			return false
		}
	}
	return true
}

// ClientRepository defines the interface for OAuth2 client lookup
type ClientRepository interface {
	// GetByClientID retrieves a client by client_id
	GetByClientID(ctx context.Context, clientID string) (*Client, error)
}

// StaticClientRepository serves clients registered through configuration.
type StaticClientRepository struct {
	clients map[string]*Client
}

// NewStaticClientRepository indexes clients by client_id. Later duplicates win.
func NewStaticClientRepository(clients ...*Client) *StaticClientRepository {
	r := &StaticClientRepository{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		r.clients[c.ClientID] = c
	}
	return r
}

func (r *StaticClientRepository) GetByClientID(_ context.Context, clientID string) (*Client, error) {
	c, ok := r.clients[clientID]
	if !ok {
		return nil, ErrClientNotFound
	}
	return c, nil
}

func containsScope(scope, target string) bool {
	return slices.Contains(strings.Fields(scope), target)
}
