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

package http

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/opentrusty/tokencore/internal/crypto"
	"github.com/opentrusty/tokencore/internal/oauth2"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/refresh"
)

// Authorize authenticates the end-user and redirects back with a code
// @Summary OAuth2 Authorize Endpoint
// @Description Starts the authorization flow (RFC 6749); credentials are posted with the request
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param client_id formData string true "Client ID"
// @Param redirect_uri formData string true "Redirect URI"
// @Param response_type formData string true "Response Type (must be 'code')"
// @Param scope formData string false "Scopes"
// @Param state formData string false "Random State"
// @Param nonce formData string false "Nonce (OIDC)"
// @Param code_challenge formData string true "PKCE Challenge"
// @Param code_challenge_method formData string true "PKCE Method (S256)"
// @Param username formData string true "Username"
// @Param password formData string true "Password"
// @Param mfa_code formData string false "TOTP code when MFA is enrolled"
// @Success 302 {string} string "Redirects to the client callback"
// @Failure 400 {object} oauth2.Error
// @Failure 401 {object} oauth2.Error
// @Router /oauth2/authorize [post]
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed request"))
		return
	}

	req := &oauth2.AuthorizeRequest{
		ClientID:            r.Form.Get("client_id"),
		RedirectURI:         r.Form.Get("redirect_uri"),
		ResponseType:        r.Form.Get("response_type"),
		Scope:               r.Form.Get("scope"),
		State:               r.Form.Get("state"),
		Nonce:               r.Form.Get("nonce"),
		CodeChallenge:       r.Form.Get("code_challenge"),
		CodeChallengeMethod: r.Form.Get("code_challenge_method"),
	}
	// Credentials are only read from the body so they never land in access logs.
	creds := oauth2.Credentials{
		Username: r.PostForm.Get("username"),
		Password: r.PostForm.Get("password"),
		MFACode:  r.PostForm.Get("mfa_code"),
	}

	resp, err := h.oauth2Service.Authorize(r.Context(), req, creds)
	if err != nil {
		h.logger.InfoContext(r.Context(), "authorize request rejected",
			logger.ClientID(req.ClientID),
			logger.RedirectURI(req.RedirectURI),
			logger.Error(err),
		)
		h.respondOAuthError(w, r, err)
		return
	}

	params := url.Values{}
	params.Set("code", resp.Code)
	if resp.State != "" {
		params.Set("state", resp.State)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, addQueryParams(resp.RedirectURI, params), http.StatusFound)
}

// Token exchanges an authorization code for tokens
// @Summary OAuth2 Token Endpoint
// @Description Exchange code for access token (RFC 6749). The refresh token is only delivered as a cookie.
// @Tags OAuth2
// @Accept x-www-form-urlencoded
// @Produce json
// @Param grant_type formData string true "Grant Type (authorization_code)"
// @Param code formData string true "Authorization Code"
// @Param redirect_uri formData string true "Redirect URI"
// @Param client_id formData string true "Client ID"
// @Param code_verifier formData string true "PKCE Verifier"
// @Success 200 {object} oauth2.TokenResponse
// @Failure 400 {object} oauth2.Error
// @Failure 401 {object} oauth2.Error
// @Router /oauth2/token [post]
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidRequest, "malformed request"))
		return
	}

	req := &oauth2.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		ClientID:     r.PostForm.Get("client_id"),
		CodeVerifier: r.PostForm.Get("code_verifier"), // RFC 7636 Section 4.5
	}

	resp, err := h.oauth2Service.Exchange(r.Context(), req)
	if err != nil {
		h.logger.InfoContext(r.Context(), "token request failed",
			logger.GrantType(req.GrantType),
			logger.ClientID(req.ClientID),
			logger.Error(err),
		)
		h.respondOAuthError(w, r, err)
		return
	}

	if !h.deliverTokens(w, r, resp) {
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Refresh rotates the refresh token cookie
// @Summary Refresh
// @Description Rotates the refresh_token cookie and issues a new access token. Requires the X-CSRF-Token header to match the XSRF-TOKEN cookie.
// @Tags OAuth2
// @Produce json
// @Param X-CSRF-Token header string true "Anti-CSRF value"
// @Success 200 {object} oauth2.TokenResponse
// @Failure 400 {object} oauth2.Error
// @Failure 401 {object} oauth2.Error
// @Failure 403 {object} map[string]string
// @Router /oauth2/refresh [post]
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	resp, err := h.oauth2Service.Refresh(r.Context(), cookieValue(r, RefreshTokenCookie))
	if err != nil {
		if errors.Is(err, refresh.ErrReplayDetected) {
			h.logger.WarnContext(r.Context(), "refresh token replay",
				logger.RemoteAddr(getIPAddress(r)),
				logger.UserAgent(r.UserAgent()),
			)
		}
		if oauth2.HasCode(err, oauth2.ErrInvalidGrant) {
			h.clearTokenCookies(w)
		}
		h.respondOAuthError(w, r, err)
		return
	}

	if !h.deliverTokens(w, r, resp) {
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// Logout revokes the presented tokens and clears the cookies
// @Summary Logout
// @Description Revokes the access token jti and the refresh token. Always succeeds.
// @Tags OAuth2
// @Produce json
// @Success 200 {object} map[string]string
// @Router /oauth2/logout [post]
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	h.oauth2Service.Logout(r.Context(), accessTokenFromRequest(r), cookieValue(r, RefreshTokenCookie))
	h.clearTokenCookies(w)
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

// UserInfoResponse is the body of GET /oauth2/userinfo.
type UserInfoResponse struct {
	Subject  string   `json:"sub"`
	TenantID string   `json:"tenant_id,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Scope    string   `json:"scope,omitempty"`
}

// UserInfo returns the claims of a valid access token
// @Summary UserInfo
// @Description Returns the subject of the presented access token (bearer header or cookie)
// @Tags OAuth2
// @Produce json
// @Security BearerAuth
// @Success 200 {object} UserInfoResponse
// @Failure 401 {object} oauth2.Error
// @Router /oauth2/userinfo [get]
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	raw := accessTokenFromRequest(r)
	if raw == "" {
		h.respondOAuthError(w, r, oauth2.NewError(oauth2.ErrInvalidToken, "access token is required"))
		return
	}

	claims, err := h.oauth2Service.VerifyAccessToken(r.Context(), raw)
	if err != nil {
		h.respondOAuthError(w, r, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, UserInfoResponse{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Roles:    claims.Roles,
		Scope:    claims.Scope,
	})
}

// deliverTokens sets the token cookies and no-store headers. It reports false
// after writing an error response.
func (h *Handler) deliverTokens(w http.ResponseWriter, r *http.Request, resp *oauth2.TokenResponse) bool {
	csrf, err := crypto.RandomToken(crypto.DefaultTokenBytes)
	if err != nil {
		h.respondOAuthError(w, r, oauth2.NewError(oauth2.ErrServerError, "token delivery failed").Wrap(err))
		return false
	}

	h.setTokenCookies(w, resp.AccessToken, resp.RefreshToken, csrf,
		h.oauth2Service.AccessTokenLifetime(), h.oauth2Service.RefreshTokenLifetime())

	// Prevent caching (RFC 6749 Section 5.1)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	return true
}

// addQueryParams appends encoded params to rawURL, keeping its existing query.
func addQueryParams(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// respondOAuthError serializes a protocol error into an HTTP response.
// Causes are logged for server errors and never written to the client.
func (h *Handler) respondOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oe := oauth2.AsError(err)
	status := oe.HTTPStatus()

	switch {
	case errors.Is(err, refresh.ErrReplayDetected):
		status = http.StatusUnauthorized
	case status >= http.StatusInternalServerError:
		h.logger.ErrorContext(r.Context(), "oauth2 request failed", logger.Path(r.URL.Path), logger.Error(err))
	}

	if oe.Code == oauth2.ErrInvalidToken {
		// RFC 6750 Section 3
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, status, oe)
}
