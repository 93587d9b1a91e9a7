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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opentrusty/tokencore/internal/audit"
	"github.com/opentrusty/tokencore/internal/config"
	"github.com/opentrusty/tokencore/internal/identity"
	"github.com/opentrusty/tokencore/internal/keys"
	"github.com/opentrusty/tokencore/internal/kvstore"
	"github.com/opentrusty/tokencore/internal/oauth2"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/observability/metrics"
	"github.com/opentrusty/tokencore/internal/observability/tracing"
	"github.com/opentrusty/tokencore/internal/oidc"
	"github.com/opentrusty/tokencore/internal/refresh"
	"github.com/opentrusty/tokencore/internal/revocation"
	"github.com/opentrusty/tokencore/internal/store/postgres"
	"github.com/opentrusty/tokencore/internal/token"
	transportHTTP "github.com/opentrusty/tokencore/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTelBridge:  cfg.Observability.OTELEnabled,
	})

	// CLI Commands
	if len(os.Args) > 1 {
		var cmdErr error
		switch os.Args[1] {
		case "migrate":
			cmdErr = runMigrate(cfg)
		case "provision-key":
			cmdErr = runProvisionKey(cfg)
		case "enroll-mfa":
			cmdErr = runEnrollMFA(cfg, os.Args[2:])
		default:
			cmdErr = fmt.Errorf("unknown command %q (want migrate, provision-key or enroll-mfa)", os.Args[1])
		}
		if cmdErr != nil {
			fmt.Printf("%s failed: %v\n", os.Args[1], cmdErr)
			os.Exit(1)
		}
		os.Exit(0)
	}

	slog.Info("starting tokencore", logger.Component("server"))
	if err := run(cfg); err != nil {
		slog.Error("server exited with error", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Endpoint:       cfg.Observability.OTELEndpoint,
		Insecure:       cfg.Observability.OTELInsecure,
		SamplingRate:   cfg.Observability.SamplingRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer tracer.Shutdown(context.Background())

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled:        cfg.Observability.MetricsEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize meter: %w", err)
	}
	defer meter.Shutdown(context.Background())
	instruments, err := metrics.NewInstruments(meter)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}

	auditLogger := audit.NewSlogLogger(nil)

	// Shared TTL store for codes, refresh records and the revocation ledger
	store, err := kvstore.Open(ctx, kvstore.Config{
		Backend:        cfg.Store.Backend,
		MemoryFallback: cfg.Store.MemoryFallback,
		Redis: kvstore.RedisConfig{
			Addr:             cfg.Store.RedisAddr,
			Username:         cfg.Store.RedisUsername,
			Password:         cfg.Store.RedisPassword,
			DB:               cfg.Store.RedisDB,
			KeyPrefix:        cfg.Store.KeyPrefix,
			DialTimeout:      cfg.Store.DialTimeout,
			ReadTimeout:      cfg.Store.ReadTimeout,
			WriteTimeout:     cfg.Store.WriteTimeout,
			OperationTimeout: cfg.Store.OperationTimeout,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}
	defer store.Close()

	handlerOpts := []transportHTTP.HandlerOption{
		transportHTTP.WithHealthCheck("store", store),
	}

	// Repositories: Postgres when enabled, otherwise in-process
	var (
		userRepo  identity.UserRepository
		clients   oauth2.ClientRepository
		keyLoader keys.Loader
	)
	if cfg.Database.Enabled {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		slog.Info("connected to database")

		if err := db.MigrateInitialSchema(ctx); err != nil {
			return err
		}

		if userRepo, err = postgres.NewUserRepository(db, cfg.Keys.EncryptionKey); err != nil {
			return err
		}
		clientRepo := postgres.NewClientRepository(db)
		for _, c := range registeredClients(cfg) {
			if err := clientRepo.Upsert(ctx, c); err != nil {
				return fmt.Errorf("failed to register client %s: %w", c.ClientID, err)
			}
		}
		clients = clientRepo

		if cfg.Keys.Source == config.KeySourceDatabase {
			keyRepo, err := postgres.NewKeyRepository(db, cfg.Keys.EncryptionKey)
			if err != nil {
				return err
			}
			keyLoader = keyRepo
		}
		handlerOpts = append(handlerOpts, transportHTTP.WithHealthCheck("database", db))
	} else {
		slog.Warn("database disabled; users are held in memory and lost on restart")
		userRepo = identity.NewMemoryRepository()
		clients = oauth2.NewStaticClientRepository(registeredClients(cfg)...)
	}

	identityService := newIdentityService(cfg, userRepo, auditLogger)

	if cfg.Security.BootstrapUsername != "" {
		created, err := identityService.Bootstrap(ctx,
			cfg.Security.BootstrapTenantID,
			cfg.Security.BootstrapUsername,
			cfg.Security.BootstrapPassword,
			cfg.Security.BootstrapRoles,
		)
		if err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
		if created {
			slog.Info("bootstrap user provisioned", logger.TenantID(cfg.Security.BootstrapTenantID))
		}
	}

	// Signing keys
	keyOpts := []keys.Option{
		keys.WithAuditLogger(auditLogger),
		keys.WithMetrics(instruments),
	}
	if keyLoader != nil {
		keyOpts = append(keyOpts, keys.WithLoader(keyLoader))
	}
	keyStore, err := keys.New(keys.Config{
		PoolSize:            cfg.Keys.PoolSize,
		SignLifetime:        cfg.Keys.SignLifetime,
		AccessTokenLifetime: cfg.Tokens.AccessTokenLifetime,
	}, keyOpts...)
	if err != nil {
		return err
	}
	if err := keyStore.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize signing keys: %w", err)
	}
	go keyStore.Run(ctx, cfg.Keys.RotationInterval)

	handlerOpts = append(handlerOpts, transportHTTP.WithHealthCheck("keys", transportHTTP.HealthCheckFunc(func(ctx context.Context) error {
		_, err := keyStore.ActiveSigningKey(ctx)
		return err
	})))

	// Token core
	ledger := revocation.NewLedger(store)
	rotator := refresh.NewRotator(store, cfg.Tokens.RefreshTokenLifetime)
	issuer, err := token.NewIssuer(token.Config{
		Issuer:              cfg.Tokens.Issuer,
		Audience:            cfg.Tokens.Audience,
		AccessTokenLifetime: cfg.Tokens.AccessTokenLifetime,
		NotBeforeSkew:       cfg.Tokens.NotBeforeSkew,
	}, keyStore, rotator, token.WithIssuerMetrics(instruments))
	if err != nil {
		return err
	}
	verifier, err := token.NewVerifier(cfg.Tokens.Issuer, cfg.Tokens.Audience, keyStore, ledger,
		token.WithVerifierMetrics(instruments))
	if err != nil {
		return err
	}

	oidcService, err := oidc.NewService(cfg.Tokens.Issuer, keyStore, oidc.WithIDTokenLifetime(cfg.Tokens.IDTokenLifetime))
	if err != nil {
		return fmt.Errorf("failed to initialize OIDC service: %w", err)
	}

	oauth2Service, err := oauth2.NewService(oauth2.Dependencies{
		Clients:  clients,
		Codes:    oauth2.NewCodeBroker(store, cfg.Tokens.CodeLifetime),
		Identity: identityService,
		Issuer:   issuer,
		Verifier: verifier,
		Rotator:  rotator,
		Ledger:   ledger,
		IDTokens: oidcService,
	}, oauth2.WithAuditLogger(auditLogger), oauth2.WithMetrics(instruments))
	if err != nil {
		return err
	}

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	defer rateLimiter.Stop()

	if h := meter.Handler(); h != nil {
		handlerOpts = append(handlerOpts, transportHTTP.WithMetricsHandler(h))
	}
	handler := transportHTTP.NewHandler(oauth2Service, oidcService, transportHTTP.CookieConfig{
		Domain: cfg.Cookies.Domain,
		Secure: cfg.Cookies.Secure,
	}, handlerOpts...)

	router := transportHTTP.NewRouter(handler, rateLimiter, transportHTTP.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*postgres.DB, error) {
	db, err := postgres.New(ctx, postgres.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func registeredClients(cfg *config.Config) []*oauth2.Client {
	clients := make([]*oauth2.Client, 0, len(cfg.Clients))
	for _, c := range cfg.Clients {
		clients = append(clients, &oauth2.Client{
			ClientID:      c.ClientID,
			TenantID:      c.TenantID,
			ClientName:    c.ClientName,
			RedirectURIs:  c.RedirectURIs,
			AllowedScopes: c.AllowedScopes,
			IsActive:      true,
		})
	}
	return clients
}

func runMigrate(cfg *config.Config) error {
	if !cfg.Database.Enabled {
		return errors.New("DB_ENABLED must be true")
	}
	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.MigrateInitialSchema(ctx); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}

// runProvisionKey generates one signing key and stores it sealed, for
// deployments that share keys across instances with KEY_SOURCE=database.
func runProvisionKey(cfg *config.Config) error {
	if !cfg.Database.Enabled {
		return errors.New("DB_ENABLED must be true")
	}
	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := postgres.NewKeyRepository(db, cfg.Keys.EncryptionKey)
	if err != nil {
		return err
	}
	key, err := keys.GenerateSigningKeyPair(time.Now(), cfg.Keys.SignLifetime, cfg.Tokens.AccessTokenLifetime)
	if err != nil {
		return err
	}
	if err := repo.Create(ctx, key); err != nil {
		return err
	}
	fmt.Printf("Provisioned key %s (signs until %s)\n", key.KeyID, key.SignUntil.Format(time.RFC3339))
	return nil
}

func newIdentityService(cfg *config.Config, repo identity.UserRepository, auditLogger audit.Logger) *identity.Service {
	passwordHasher := identity.NewPasswordHasher(
		cfg.Security.Argon2Memory,
		cfg.Security.Argon2Iterations,
		cfg.Security.Argon2Parallelism,
		cfg.Security.Argon2SaltLength,
		cfg.Security.Argon2KeyLength,
	)
	return identity.NewService(
		repo,
		passwordHasher,
		auditLogger,
		cfg.Security.LockoutMaxAttempts,
		cfg.Security.LockoutDuration,
	)
}

// runEnrollMFA stores a new TOTP seed for a user and prints it once. After
// enrollment the user must send mfa_code to /oauth2/authorize.
func runEnrollMFA(cfg *config.Config, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: server enroll-mfa <username>")
	}
	if !cfg.Database.Enabled {
		return errors.New("DB_ENABLED must be true")
	}
	username := args[0]

	ctx := context.Background()
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo, err := postgres.NewUserRepository(db, cfg.Keys.EncryptionKey)
	if err != nil {
		return err
	}
	secret, err := newIdentityService(cfg, repo, audit.NewSlogLogger(nil)).EnrollMFAByUsername(ctx, username)
	if err != nil {
		return err
	}

	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", cfg.Observability.ServiceName)
	uri := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + cfg.Observability.ServiceName + ":" + username,
		RawQuery: q.Encode(),
	}
	fmt.Printf("MFA enrolled for %s\nSecret: %s\nURI: %s\n", username, secret, uri.String())
	return nil
}
