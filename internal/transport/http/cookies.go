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
	"net/http"
	"strings"
	"time"
)

// Cookie and header names shared with the browser client.
const (
	AccessTokenCookie  = "access_token"
	RefreshTokenCookie = "refresh_token"
	CSRFCookie         = "XSRF-TOKEN"
	CSRFHeader         = "X-CSRF-Token"

	refreshCookiePath = "/oauth2"
)

// CookieConfig holds token cookie configuration
type CookieConfig struct {
	Domain string
	Secure bool
}

// setTokenCookies delivers the access token, the refresh token and the
// readable anti-CSRF value. Only the CSRF cookie is visible to scripts.
func (h *Handler) setTokenCookies(w http.ResponseWriter, access, refresh, csrf string, accessTTL, refreshTTL time.Duration) {
	http.SetCookie(w, h.cookie(AccessTokenCookie, access, "/", http.SameSiteLaxMode, true, accessTTL))
	http.SetCookie(w, h.cookie(RefreshTokenCookie, refresh, refreshCookiePath, http.SameSiteStrictMode, true, refreshTTL))
	http.SetCookie(w, h.cookie(CSRFCookie, csrf, "/", http.SameSiteStrictMode, false, refreshTTL))
	w.Header().Set(CSRFHeader, csrf)
}

// clearTokenCookies expires all three cookies on the paths they were set with.
func (h *Handler) clearTokenCookies(w http.ResponseWriter) {
	for _, c := range []*http.Cookie{
		h.cookie(AccessTokenCookie, "", "/", http.SameSiteLaxMode, true, 0),
		h.cookie(RefreshTokenCookie, "", refreshCookiePath, http.SameSiteStrictMode, true, 0),
		h.cookie(CSRFCookie, "", "/", http.SameSiteStrictMode, false, 0),
	} {
		c.MaxAge = -1
		c.Expires = time.Unix(0, 0)
		http.SetCookie(w, c)
	}
}

func (h *Handler) cookie(name, value, path string, sameSite http.SameSite, httpOnly bool, ttl time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   h.cookieConfig.Domain,
		MaxAge:   int(ttl.Seconds()),
		Secure:   h.cookieConfig.Secure,
		HttpOnly: httpOnly,
		SameSite: sameSite,
	}
}

// accessTokenFromRequest prefers an RFC 6750 bearer header over the cookie.
func accessTokenFromRequest(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(value)
		}
		return ""
	}
	return cookieValue(r, AccessTokenCookie)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
