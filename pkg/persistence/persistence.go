// Package persistence provides the durable key-value storage abstraction
// used by the engine, the agent directory, the event bus and the security
// gate.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
)

// Collections used by the orchestration core.
const (
	CollectionWorkflows = "workflows"
	CollectionAgents    = "agents"
	CollectionEvents    = "events"
	CollectionAudit     = "audit"
	CollectionSecrets   = "secrets"
)

// Record is one stored document.
type Record struct {
	ID   string
	Data []byte
}

// Store is a collection-scoped document store. Implementations must be safe
// for concurrent use. List returns records ordered by id.
type Store interface {
	Put(ctx context.Context, collection, id string, data []byte) error
	Get(ctx context.Context, collection, id string) ([]byte, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string) ([]Record, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// PutJSON stores v encoded as JSON.
func PutJSON(ctx context.Context, store Store, collection, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return NewStoreError("Put", collection, id, fmt.Errorf("failed to encode: %w", err))
	}

	return store.Put(ctx, collection, id, data)
}

// GetJSON loads and decodes one document.
func GetJSON[T any](ctx context.Context, store Store, collection, id string) (*T, error) {
	data, err := store.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, NewStoreError("Get", collection, id, fmt.Errorf("failed to decode: %w", err))
	}

	return &out, nil
}

// ListJSON loads and decodes every document of a collection.
func ListJSON[T any](ctx context.Context, store Store, collection string) ([]*T, error) {
	records, err := store.List(ctx, collection)
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(records))

	for _, record := range records {
		var item T
		if err := json.Unmarshal(record.Data, &item); err != nil {
			return nil, NewStoreError("List", collection, record.ID, fmt.Errorf("failed to decode: %w", err))
		}

		out = append(out, &item)
	}

	return out, nil
}
