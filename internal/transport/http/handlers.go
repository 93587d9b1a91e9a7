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

// @title OpenTrusty Token Core API
// @version 1.0
// @description Token issuance, verification, rotation and revocation for public PKCE clients.
// @BasePath /

package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/tokencore/internal/oauth2"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/oidc"
)

const (
	defaultRequestTimeout = 60 * time.Second
	healthCheckTimeout    = 2 * time.Second
)

// HealthChecker reports whether a dependency can serve requests.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Ping(ctx context.Context) error { return f(ctx) }

// Handler holds HTTP handlers and dependencies
type Handler struct {
	oauth2Service *oauth2.Service
	oidcService   *oidc.Service
	cookieConfig  CookieConfig
	checks        map[string]HealthChecker
	metrics       http.Handler
	logger        *slog.Logger
}

// HandlerOption configures optional Handler dependencies.
type HandlerOption func(*Handler)

// WithHealthCheck adds a named dependency to GET /health.
func WithHealthCheck(name string, c HealthChecker) HandlerOption {
	return func(h *Handler) { h.checks[name] = c }
}

// WithMetricsHandler mounts a Prometheus scrape handler on GET /metrics.
func WithMetricsHandler(m http.Handler) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a new HTTP handler
func NewHandler(oauth2Service *oauth2.Service, oidcService *oidc.Service, cookies CookieConfig, opts ...HandlerOption) *Handler {
	h := &Handler{
		oauth2Service: oauth2Service,
		oidcService:   oidcService,
		cookieConfig:  cookies,
		checks:        make(map[string]HealthChecker),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RouterConfig holds router-wide settings.
type RouterConfig struct {
	// RequestTimeout bounds each request; zero uses 60s.
	RequestTimeout time.Duration
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, rateLimiter *RateLimiter, cfg RouterConfig) *chi.Mux {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if rateLimiter != nil {
		r.Use(RateLimitMiddleware(rateLimiter))
	}
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))

	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	// OIDC Discovery Section 4 and RFC 7517
	r.Get("/.well-known/openid-configuration", h.Discovery)
	r.Get("/.well-known/jwks.json", h.JWKS)
	r.Get("/jwks.json", h.JWKS)

	r.Route("/oauth2", func(r chi.Router) {
		// RFC 6749 Section 4.1.1, credentials are posted with the request
		r.Post("/authorize", h.Authorize)

		// RFC 6749 Section 4.1.3
		r.Post("/token", h.Token)

		// RFC 6749 Section 6, cookie bound
		r.With(h.CSRFMiddleware).Post("/refresh", h.Refresh)

		r.Post("/logout", h.Logout)
		r.Get("/userinfo", h.UserInfo)
	})

	return r
}

// HealthCheck returns the health status
// @Summary Health Check
// @Description Pings the key/value store and the key pool
// @Tags System
// @Produce json
// @Success 200 {object} map[string]any
// @Failure 503 {object} map[string]any
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed", logger.Component(name), logger.Error(err))
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":  "healthy",
		"service": "tokencore",
	}
	if status != http.StatusOK {
		body["status"] = "unhealthy"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	respondJSON(w, status, body)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// getIPAddress returns the first X-Forwarded-For hop, X-Real-IP, or the peer host.
func getIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
