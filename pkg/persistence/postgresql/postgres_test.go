package postgresql_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/persistencetest"
	"github.com/dukex/agentflow/pkg/persistence/postgresql"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func setupTestDB(t *testing.T) *postgresql.Persistence {
	t.Helper()

	if os.Getenv("AGENTFLOW_INTEGRATION") != "1" {
		t.Skip("set AGENTFLOW_INTEGRATION=1 to run PostgreSQL integration tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("agentflow_test"),
			postgres.WithUsername("agentflow"),
			postgres.WithPassword("agentflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	_, err = p.DB().ExecContext(ctx, "DELETE FROM records")
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p
}

func TestPersistence_Conformance(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Store {
		return setupTestDB(t)
	})
}

func TestNewPersistence_MigrationsAreIdempotent(t *testing.T) {
	p := setupTestDB(t)

	var version int

	err := p.DB().QueryRowContext(t.Context(), "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	require.Equal(t, 2, version)
}
