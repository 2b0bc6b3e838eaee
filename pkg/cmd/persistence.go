// Package cmd holds the factories shared by the agentflow commands: the
// persistence store, the event transport and the assembled runtime.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/persistence/memory"
	"github.com/dukex/agentflow/pkg/persistence/postgresql"
	"github.com/dukex/agentflow/pkg/persistence/redis"
	"github.com/dukex/agentflow/pkg/persistence/sqlite"
)

// Persistence providers selected by the URL scheme.
const (
	ProviderMemory     = "memory"
	ProviderFile       = "file"
	ProviderRedis      = "redis"
	ProviderPostgreSQL = "postgresql"
	ProviderSQLite     = "sqlite"
)

// NewPersistence opens the store named by databaseURL. An empty URL or
// "memory://" keeps state in process; a bare path is a file store.
//
// nolint:ireturn
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Store, error) {
	provider := parsePersistenceProvider(databaseURL)

	logger.InfoContext(ctx, "Opening persistence", "provider", provider)

	switch provider {
	case ProviderMemory:
		return memory.NewPersistence(), nil
	case ProviderRedis:
		return redis.NewPersistence(ctx, logger, databaseURL)
	case ProviderPostgreSQL:
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	case ProviderSQLite:
		return sqlite.NewPersistence(ctx, logger, databaseURL)
	case ProviderFile:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	default:
		return nil, fmt.Errorf("unsupported persistence provider: %s", provider)
	}
}

func parsePersistenceProvider(databaseURL string) string {
	if databaseURL == "" {
		return ProviderMemory
	}

	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return ProviderFile
	}

	switch scheme {
	case "memory":
		return ProviderMemory
	case "file":
		return ProviderFile
	case "redis", "rediss":
		return ProviderRedis
	case "postgres", "postgresql":
		return ProviderPostgreSQL
	case "sqlite":
		return ProviderSQLite
	default:
		return scheme
	}
}
