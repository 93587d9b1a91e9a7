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

// Command cleanup deletes provisioned signing keys whose verification window
// has closed. Codes, refresh records and revoked jtis expire in the store on
// their own and need no sweep.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opentrusty/tokencore/internal/config"
	"github.com/opentrusty/tokencore/internal/observability/logger"
	"github.com/opentrusty/tokencore/internal/store/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName + "-cleanup",
	})

	if !cfg.Database.Enabled {
		slog.Info("database disabled; nothing to clean")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{
		URL:          cfg.Database.URL,
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		slog.Error("unable to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	repo, err := postgres.NewKeyRepository(db, cfg.Keys.EncryptionKey)
	if err != nil {
		slog.Error("invalid key encryption key", logger.Error(err))
		os.Exit(1)
	}

	n, err := repo.DeleteExpired(ctx)
	if err != nil {
		slog.Error("failed to delete expired signing keys", logger.Error(err))
		os.Exit(1)
	}
	slog.Info("deleted expired signing keys", slog.Int64("count", n))
}
