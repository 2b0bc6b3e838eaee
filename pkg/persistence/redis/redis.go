// Package redis provides a Redis persistence.Store: one hash per collection,
// one field per record.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/agentflow/pkg/persistence"
	redis "github.com/redis/go-redis/v9"
)

const defaultPrefix = "agentflow:"

// Persistence implements persistence.Store on top of go-redis.
type Persistence struct {
	client redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// NewPersistence parses a redis:// URL, connects and pings the server.
func NewPersistence(ctx context.Context, logger *slog.Logger, redisURL string) (*Persistence, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = client.Ping(pingCtx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", options.Addr, "db", options.DB)

	return NewFromClient(client, defaultPrefix, logger), nil
}

// NewFromClient wraps an existing client. Keys are "<prefix><collection>".
func NewFromClient(client redis.UniversalClient, prefix string, logger *slog.Logger) *Persistence {
	return &Persistence{client: client, prefix: prefix, logger: logger}
}

// Client exposes the underlying client so other components can share the connection.
func (p *Persistence) Client() redis.UniversalClient {
	return p.client
}

func (p *Persistence) key(collection string) string {
	return p.prefix + collection
}

func (p *Persistence) Put(ctx context.Context, collection, id string, data []byte) error {
	if err := persistence.ValidateKey("Put", collection, id); err != nil {
		return err
	}

	err := p.client.HSet(ctx, p.key(collection), id, data).Err()
	if err != nil {
		return persistence.NewStoreError("Put", collection, id, err)
	}

	return nil
}

func (p *Persistence) Get(ctx context.Context, collection, id string) ([]byte, error) {
	data, err := p.client.HGet(ctx, p.key(collection), id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewStoreError("Get", collection, id, persistence.ErrNotFound)
		}

		return nil, persistence.NewStoreError("Get", collection, id, err)
	}

	return data, nil
}

func (p *Persistence) Delete(ctx context.Context, collection, id string) error {
	removed, err := p.client.HDel(ctx, p.key(collection), id).Result()
	if err != nil {
		return persistence.NewStoreError("Delete", collection, id, err)
	}

	if removed == 0 {
		return persistence.NewStoreError("Delete", collection, id, persistence.ErrNotFound)
	}

	return nil
}

func (p *Persistence) List(ctx context.Context, collection string) ([]persistence.Record, error) {
	fields, err := p.client.HGetAll(ctx, p.key(collection)).Result()
	if err != nil {
		return nil, persistence.NewStoreError("List", collection, "", err)
	}

	records := make([]persistence.Record, 0, len(fields))
	for id, data := range fields {
		records = append(records, persistence.Record{ID: id, Data: []byte(data)})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, nil
}

// HealthCheck pings the server.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.client.Ping(ctx).Err()
	if err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the client.
func (p *Persistence) Close(ctx context.Context) error {
	err := p.client.Close()
	if err != nil {
		p.logger.ErrorContext(ctx, "Error closing Redis client", "error", err)

		return err
	}

	return nil
}
