package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/agentflow/pkg/persistence"
)

// Store implements persistence.Store over a "records" table with the
// columns (collection, id, data, updated_at).
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewStore wraps an open database whose schema has been migrated.
func NewStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *Store {
	return &Store{db: db, dialect: dialect, logger: logger}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ph(n int) string {
	return s.dialect.Placeholder(n)
}

func (s *Store) Put(ctx context.Context, collection, id string, data []byte) error {
	if err := persistence.ValidateKey("Put", collection, id); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO records (collection, id, data, updated_at)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))

	_, err := s.db.ExecContext(ctx, query, collection, id, string(data), time.Now().UTC().UnixNano())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to save record", "collection", collection, "id", id, "error", err)

		return persistence.NewStoreError("Put", collection, id, err)
	}

	return nil
}

func (s *Store) Get(ctx context.Context, collection, id string) ([]byte, error) {
	query := fmt.Sprintf("SELECT data FROM records WHERE collection = %s AND id = %s", s.ph(1), s.ph(2))

	var data string

	err := s.db.QueryRowContext(ctx, query, collection, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewStoreError("Get", collection, id, persistence.ErrNotFound)
		}

		return nil, persistence.NewStoreError("Get", collection, id, err)
	}

	return []byte(data), nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	query := fmt.Sprintf("DELETE FROM records WHERE collection = %s AND id = %s", s.ph(1), s.ph(2))

	result, err := s.db.ExecContext(ctx, query, collection, id)
	if err != nil {
		return persistence.NewStoreError("Delete", collection, id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewStoreError("Delete", collection, id, err)
	}

	if affected == 0 {
		return persistence.NewStoreError("Delete", collection, id, persistence.ErrNotFound)
	}

	return nil
}

func (s *Store) List(ctx context.Context, collection string) ([]persistence.Record, error) {
	query := fmt.Sprintf("SELECT id, data FROM records WHERE collection = %s ORDER BY id", s.ph(1))

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, persistence.NewStoreError("List", collection, "", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	records := make([]persistence.Record, 0)

	for rows.Next() {
		var (
			id   string
			data string
		)

		err := rows.Scan(&id, &data)
		if err != nil {
			return nil, persistence.NewStoreError("List", collection, "", err)
		}

		records = append(records, persistence.Record{ID: id, Data: []byte(data)})
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewStoreError("List", collection, "", err)
	}

	return records, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
