// Package postgresql provides the PostgreSQL persistence.Store.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/agentflow/pkg/persistence/sqlbase"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	*sqlbase.Store
}

// NewPersistence connects, runs migrations and returns the store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, sqlbase.Postgres, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{Store: sqlbase.NewStore(database, sqlbase.Postgres, logger)}, nil
}

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE records (
				collection VARCHAR(64) NOT NULL,
				id VARCHAR(255) NOT NULL,
				data TEXT NOT NULL,
				updated_at BIGINT NOT NULL,
				PRIMARY KEY (collection, id)
			);

			CREATE INDEX idx_records_collection ON records(collection);
		`,
		2: `
			CREATE INDEX idx_records_updated_at ON records(updated_at);
		`,
	}
}
