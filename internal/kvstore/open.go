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

package kvstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opentrusty/tokencore/internal/observability/logger"
)

// Backend names accepted by Open.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config selects and configures a Store backend.
type Config struct {
	Backend string
	// MemoryFallback allows Open to return a MemoryStore when Redis cannot be reached.
	MemoryFallback bool
	Redis          RedisConfig
}

// Open builds the Store named by cfg.Backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		slog.WarnContext(ctx, "using in-memory token store; single-use codes and refresh replay detection hold for this instance only",
			logger.Component("kvstore"),
			logger.Backend(BackendMemory),
		)
		return NewMemoryStore(), nil

	case BackendRedis, "":
		s, err := NewRedisStore(ctx, cfg.Redis)
		if err == nil {
			slog.InfoContext(ctx, "connected to redis token store",
				logger.Component("kvstore"),
				logger.Backend(BackendRedis),
			)
			return s, nil
		}
		if !cfg.MemoryFallback {
			return nil, err
		}
		slog.WarnContext(ctx, "redis unreachable, falling back to in-memory token store",
			logger.Component("kvstore"),
			logger.Backend(BackendMemory),
			logger.Error(err),
		)
		return NewMemoryStore(), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
