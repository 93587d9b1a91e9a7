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

package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends
const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"
)

// Key sources
const (
	KeySourceLocal    = "local"
	KeySourceDatabase = "database"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	Tokens        TokenConfig
	Keys          KeyConfig
	Cookies       CookieConfig
	Clients       []ClientConfig
	Observability ObservabilityConfig
	Security      SecurityConfig
	RateLimit     RateLimitConfig
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Enabled selects Postgres for users, clients and provisioned keys.
	Enabled         bool
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StoreConfig holds the shared TTL store configuration
type StoreConfig struct {
	Backend          string
	MemoryFallback   bool
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	KeyPrefix        string
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	OperationTimeout time.Duration
}

// TokenConfig holds token issuance configuration
type TokenConfig struct {
	Issuer               string
	Audience             string
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	CodeLifetime         time.Duration
	IDTokenLifetime      time.Duration
	NotBeforeSkew        time.Duration
}

// KeyConfig holds signing key lifecycle configuration
type KeyConfig struct {
	Source           string
	PoolSize         int
	SignLifetime     time.Duration
	RotationInterval time.Duration
	// EncryptionKey seals private key seeds and MFA secrets at rest.
	EncryptionKey []byte
}

// CookieConfig holds token cookie configuration
type CookieConfig struct {
	Domain string
	Secure bool
}

// ClientConfig registers a public OAuth2 client
type ClientConfig struct {
	ClientID      string   `json:"client_id"`
	TenantID      string   `json:"tenant_id"`
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	AllowedScopes []string `json:"allowed_scopes"`
}

// ObservabilityConfig holds logging, tracing and metrics configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	OTELEndpoint   string
	OTELInsecure   bool
	SamplingRate   float64
	MetricsEnabled bool
	ServiceName    string
	ServiceVersion string
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	Argon2Memory       uint32
	Argon2Iterations   uint32
	Argon2Parallelism  uint8
	Argon2SaltLength   uint32
	Argon2KeyLength    uint32
	LockoutMaxAttempts int
	LockoutDuration    time.Duration
	// Bootstrap provisions one user at startup when BootstrapUsername is set.
	BootstrapUsername string
	BootstrapPassword string
	BootstrapTenantID string
	BootstrapRoles    []string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "8080"),
			ReadTimeout:     parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:    parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:     parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			RequestTimeout:  parseDuration("SERVER_REQUEST_TIMEOUT", "30s"),
			ShutdownTimeout: parseDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
		},
		Database: DatabaseConfig{
			Enabled:         parseBool("DB_ENABLED", false),
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "opentrusty"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "opentrusty"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Store: StoreConfig{
			Backend:          strings.ToLower(getEnv("STORE_BACKEND", StoreBackendRedis)),
			MemoryFallback:   parseBool("STORE_MEMORY_FALLBACK", false),
			RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
			RedisUsername:    getEnv("REDIS_USERNAME", ""),
			RedisPassword:    getEnv("REDIS_PASSWORD", ""),
			RedisDB:          parseInt("REDIS_DB", 0),
			KeyPrefix:        getEnv("STORE_KEY_PREFIX", "tokencore:"),
			DialTimeout:      parseDuration("REDIS_DIAL_TIMEOUT", "5s"),
			ReadTimeout:      parseDuration("REDIS_READ_TIMEOUT", "3s"),
			WriteTimeout:     parseDuration("REDIS_WRITE_TIMEOUT", "3s"),
			OperationTimeout: parseDuration("STORE_OPERATION_TIMEOUT", "2s"),
		},
		Tokens: TokenConfig{
			Issuer:               strings.TrimRight(getEnv("TOKEN_ISSUER", "http://localhost:8080"), "/"),
			Audience:             getEnv("TOKEN_AUDIENCE", "tokencore-api"),
			AccessTokenLifetime:  parseDuration("ACCESS_TOKEN_LIFETIME", "15m"),
			RefreshTokenLifetime: parseDuration("REFRESH_TOKEN_LIFETIME", "168h"),
			CodeLifetime:         parseDuration("AUTHORIZATION_CODE_LIFETIME", "5m"),
			IDTokenLifetime:      parseDuration("ID_TOKEN_LIFETIME", "5m"),
			NotBeforeSkew:        parseDuration("TOKEN_NOT_BEFORE_SKEW", "10s"),
		},
		Keys: KeyConfig{
			Source:           strings.ToLower(getEnv("KEY_SOURCE", KeySourceLocal)),
			PoolSize:         parseInt("KEY_POOL_SIZE", 2),
			SignLifetime:     parseDuration("KEY_SIGN_LIFETIME", "24h"),
			RotationInterval: parseDuration("KEY_ROTATION_INTERVAL", "1m"),
		},
		Cookies: CookieConfig{
			Domain: getEnv("COOKIE_DOMAIN", ""),
			Secure: parseBool("COOKIE_SECURE", true),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			OTELEndpoint:   getEnv("OTEL_EXPORTER_ENDPOINT", ""),
			OTELInsecure:   parseBool("OTEL_EXPORTER_INSECURE", false),
			SamplingRate:   parseFloat("OTEL_SAMPLING_RATE", 1.0),
			MetricsEnabled: parseBool("METRICS_ENABLED", true),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "tokencore"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
		},
		Security: SecurityConfig{
			Argon2Memory:       uint32(parseInt("ARGON2_MEMORY", 65536)),
			Argon2Iterations:   uint32(parseInt("ARGON2_ITERATIONS", 3)),
			Argon2Parallelism:  uint8(parseInt("ARGON2_PARALLELISM", 4)),
			Argon2SaltLength:   uint32(parseInt("ARGON2_SALT_LENGTH", 16)),
			Argon2KeyLength:    uint32(parseInt("ARGON2_KEY_LENGTH", 32)),
			LockoutMaxAttempts: parseInt("SECURITY_LOCKOUT_MAX_ATTEMPTS", 5),
			LockoutDuration:    parseDuration("SECURITY_LOCKOUT_DURATION", "15m"),
			BootstrapUsername:  getEnv("BOOTSTRAP_USERNAME", ""),
			BootstrapPassword:  getEnv("BOOTSTRAP_PASSWORD", ""),
			BootstrapTenantID:  getEnv("BOOTSTRAP_TENANT_ID", "default"),
			BootstrapRoles:     parseList("BOOTSTRAP_ROLES", "user"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: parseFloat("RATELIMIT_RPS", 10),
			Burst:             parseInt("RATELIMIT_BURST", 20),
		},
	}

	if raw := os.Getenv("KEY_ENCRYPTION_KEY"); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid configuration: KEY_ENCRYPTION_KEY must be base64: %w", err)
		}
		cfg.Keys.EncryptionKey = key
	}

	if raw := os.Getenv("OAUTH2_CLIENTS"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.Clients); err != nil {
			return nil, fmt.Errorf("invalid configuration: OAUTH2_CLIENTS must be a JSON array: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	if c.Tokens.Issuer == "" {
		errs = append(errs, errors.New("TOKEN_ISSUER is required"))
	}
	if c.Tokens.Audience == "" {
		errs = append(errs, errors.New("TOKEN_AUDIENCE is required"))
	}
	if c.Tokens.AccessTokenLifetime <= 0 || c.Tokens.RefreshTokenLifetime <= 0 || c.Tokens.CodeLifetime <= 0 {
		errs = append(errs, errors.New("token lifetimes must be positive"))
	}
	if c.Tokens.NotBeforeSkew < 0 {
		errs = append(errs, errors.New("TOKEN_NOT_BEFORE_SKEW must not be negative"))
	}

	switch c.Store.Backend {
	case StoreBackendRedis, StoreBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be %q or %q", StoreBackendRedis, StoreBackendMemory))
	}

	if c.Keys.PoolSize < 1 {
		errs = append(errs, errors.New("KEY_POOL_SIZE must be at least 1"))
	}
	if c.Keys.SignLifetime <= 0 || c.Keys.RotationInterval <= 0 {
		errs = append(errs, errors.New("key lifetimes must be positive"))
	}
	switch c.Keys.Source {
	case KeySourceLocal:
	case KeySourceDatabase:
		if !c.Database.Enabled {
			errs = append(errs, errors.New("KEY_SOURCE=database requires DB_ENABLED"))
		}
	default:
		errs = append(errs, fmt.Errorf("KEY_SOURCE must be %q or %q", KeySourceLocal, KeySourceDatabase))
	}

	if c.Database.Enabled {
		if c.Database.URL == "" && c.Database.Password == "" {
			errs = append(errs, errors.New("DB_PASSWORD or DATABASE_URL is required"))
		}
		switch len(c.Keys.EncryptionKey) {
		case 16, 24, 32:
		default:
			errs = append(errs, errors.New("KEY_ENCRYPTION_KEY must decode to 16, 24 or 32 bytes"))
		}
	}

	if len(c.Clients) == 0 {
		errs = append(errs, errors.New("OAUTH2_CLIENTS must register at least one client"))
	}
	for _, cl := range c.Clients {
		if cl.ClientID == "" || len(cl.RedirectURIs) == 0 {
			errs = append(errs, fmt.Errorf("client %q needs a client_id and at least one redirect_uri", cl.ClientID))
		}
	}

	if c.Security.BootstrapUsername != "" && c.Security.BootstrapPassword == "" {
		errs = append(errs, errors.New("BOOTSTRAP_PASSWORD is required with BOOTSTRAP_USERNAME"))
	}

	return errors.Join(errs...)
}

// Addr is the HTTP listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func parseList(key, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
