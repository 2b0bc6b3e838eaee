// Package persistencetest holds the behaviour every persistence.Store
// implementation must share.
package persistencetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type document struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) persistence.Store) {
	t.Helper()

	t.Run("put and get", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "workflows", "wf-1", []byte(`{"name":"one"}`)))

		data, err := store.Get(ctx, "workflows", "wf-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"one"}`, string(data))
	})

	t.Run("put overwrites", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "agents", "a", []byte(`{"v":1}`)))
		require.NoError(t, store.Put(ctx, "agents", "a", []byte(`{"v":2}`)))

		data, err := store.Get(ctx, "agents", "a")
		require.NoError(t, err)
		assert.JSONEq(t, `{"v":2}`, string(data))
	})

	t.Run("missing record", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.Get(ctx, "workflows", "missing")
		assert.True(t, persistence.IsNotFound(err))

		err = store.Delete(ctx, "workflows", "missing")
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("invalid key", func(t *testing.T) {
		store := newStore(t)

		err := store.Put(context.Background(), "workflows", "", []byte(`{}`))
		assert.ErrorIs(t, err, persistence.ErrInvalidKey)
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		require.NoError(t, store.Put(ctx, "secrets", "s", []byte(`{}`)))
		require.NoError(t, store.Delete(ctx, "secrets", "s"))

		_, err := store.Get(ctx, "secrets", "s")
		assert.True(t, persistence.IsNotFound(err))
	})

	t.Run("list is ordered and scoped", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, persistence.PutJSON(ctx, store, "events", id, document{Name: id}))
		}

		require.NoError(t, store.Put(ctx, "audit", "x", []byte(`{}`)))

		docs, err := persistence.ListJSON[document](ctx, store, "events")
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, "a", docs[0].Name)
		assert.Equal(t, "b", docs[1].Name)
		assert.Equal(t, "c", docs[2].Name)

		empty, err := store.List(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("ids with separators", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		id := "task:http/request 1"
		require.NoError(t, persistence.PutJSON(ctx, store, "secrets", id, document{Name: "odd"}))

		doc, err := persistence.GetJSON[document](ctx, store, "secrets", id)
		require.NoError(t, err)
		assert.Equal(t, "odd", doc.Name)

		records, err := store.List(ctx, "secrets")
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, id, records[0].ID)
	})

	t.Run("concurrent writers", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Add(1)

			go func() {
				defer wg.Done()

				assert.NoError(t, persistence.PutJSON(ctx, store, "workflows", fmt.Sprintf("wf-%02d", i), document{Count: i}))
			}()
		}

		wg.Wait()

		records, err := store.List(ctx, "workflows")
		require.NoError(t, err)
		assert.Len(t, records, 20)
	})

	t.Run("health check", func(t *testing.T) {
		store := newStore(t)

		assert.NoError(t, store.HealthCheck(context.Background()))
	})
}
