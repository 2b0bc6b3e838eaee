// Package memory provides an in-process persistence.Store used by tests and
// single-run CLI invocations.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/dukex/agentflow/pkg/persistence"
)

// Persistence keeps documents in nested maps guarded by a RWMutex.
type Persistence struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
}

// NewPersistence creates an empty in-memory store.
func NewPersistence() *Persistence {
	return &Persistence{collections: make(map[string]map[string][]byte)}
}

func (p *Persistence) Put(_ context.Context, collection, id string, data []byte) error {
	if err := persistence.ValidateKey("Put", collection, id); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	records, ok := p.collections[collection]
	if !ok {
		records = make(map[string][]byte)
		p.collections[collection] = records
	}

	records[id] = append([]byte(nil), data...)

	return nil
}

func (p *Persistence) Get(_ context.Context, collection, id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	data, ok := p.collections[collection][id]
	if !ok {
		return nil, persistence.NewStoreError("Get", collection, id, persistence.ErrNotFound)
	}

	return append([]byte(nil), data...), nil
}

func (p *Persistence) Delete(_ context.Context, collection, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.collections[collection][id]; !ok {
		return persistence.NewStoreError("Delete", collection, id, persistence.ErrNotFound)
	}

	delete(p.collections[collection], id)

	return nil
}

func (p *Persistence) List(_ context.Context, collection string) ([]persistence.Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	records := make([]persistence.Record, 0, len(p.collections[collection]))
	for id, data := range p.collections[collection] {
		records = append(records, persistence.Record{ID: id, Data: append([]byte(nil), data...)})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	return records, nil
}

func (p *Persistence) HealthCheck(context.Context) error {
	return nil
}

func (p *Persistence) Close(context.Context) error {
	return nil
}
