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
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPurpose: Validates per-IP throttling and X-Forwarded-For first-hop keying.
// Scope: Unit Test
// Security: Credential stuffing throttling
// Expected: The second request from one address is 429; another address is unaffected.
func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	t.Cleanup(rl.Stop)

	var seen string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClientIP(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := RateLimitMiddleware(rl)(next)

	send := func(xff string) int {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusNoContent, send("203.0.113.7, 10.0.0.1"))
	assert.Equal(t, "203.0.113.7", seen)
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.7, 10.0.0.2"))
	assert.Equal(t, http.StatusNoContent, send("198.51.100.4"))
	assert.Equal(t, http.StatusNoContent, send(""))
	assert.Equal(t, "192.0.2.1", seen)

	rl.Stop()
}
