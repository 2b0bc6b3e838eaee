package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/loader"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/persistence/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testManifest = `
agents:
  - id: logger
    kind: log
    tags: [local]
  - id: auditor
    kind: log
    type: audit
    permissions:
      task_types: [audit]
policies:
  - id: no-deletes
    enabled: true
    actions: [delete_*]
    rules:
      - id: deny-delete
        type: permission
        effect: deny
`

const testWorkflow = `
id: greet
name: Greeting
steps:
  - id: say
    kind: task
    config:
      taskType: log
      payload:
        message: "hello {{variables.name}}"
`

func TestParsePersistenceProvider(t *testing.T) {
	tests := map[string]string{
		"":                          ProviderMemory,
		"memory://":                 ProviderMemory,
		"./data":                    ProviderFile,
		"file:///var/lib/agentflow": ProviderFile,
		"redis://localhost:6379/0":  ProviderRedis,
		"rediss://cache:6380":       ProviderRedis,
		"postgres://u:p@db/flow":    ProviderPostgreSQL,
		"postgresql://db/flow":      ProviderPostgreSQL,
		"sqlite:///tmp/flow.db":     ProviderSQLite,
		"mongodb://db":              "mongodb",
	}

	for url, want := range tests {
		assert.Equal(t, want, parsePersistenceProvider(url), url)
	}
}

func TestNewPersistence(t *testing.T) {
	ctx := context.Background()

	store, err := NewPersistence(ctx, log.Discard(), "")
	require.NoError(t, err)
	assert.IsType(t, &memory.Persistence{}, store)

	store, err = NewPersistence(ctx, log.Discard(), "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, store)

	_, err = NewPersistence(ctx, log.Discard(), "mongodb://db")
	assert.ErrorContains(t, err, "unsupported persistence provider")
}

func TestNewEventTransport(t *testing.T) {
	pub, sub, err := NewEventTransport("", "", log.Discard())
	require.NoError(t, err)
	assert.Nil(t, pub)
	assert.Nil(t, sub)

	pub, sub, err = NewEventTransport(TransportGoChannel, "", log.Discard())
	require.NoError(t, err)
	require.NotNil(t, pub)
	assert.Same(t, pub, sub)
	require.NoError(t, pub.Close())

	_, _, err = NewEventTransport(TransportKafka, " , ", log.Discard())
	assert.Error(t, err)

	_, _, err = NewEventTransport("nats", "", log.Discard())
	assert.ErrorContains(t, err, "unsupported event bus provider")
}

func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()

	rt, err := NewRuntime(context.Background(), log.Discard(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = rt.Close(context.Background())
	})

	return rt
}

func TestRuntime_ApplyManifest(t *testing.T) {
	rt := newTestRuntime(t, Config{})
	ctx := context.Background()

	manifest, err := loader.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.NoError(t, rt.Apply(ctx, manifest))

	logger, ok := rt.Directory.Get("logger")
	require.True(t, ok)
	assert.Equal(t, "log", logger.Type)
	assert.Equal(t, []string{"local"}, logger.Tags)
	assert.Equal(t, []string{"log"}, logger.Permissions.TaskTypes)

	auditor, ok := rt.Directory.Get("auditor")
	require.True(t, ok)
	assert.Equal(t, "audit", auditor.Type)
	assert.Equal(t, []string{"audit"}, auditor.Permissions.TaskTypes)

	require.Len(t, rt.Gate.Policies(), 1)
	assert.Equal(t, "no-deletes", rt.Gate.Policies()[0].ID)

	types := make([]events.EventType, 0)
	for _, event := range rt.Bus.History(eventbus.HistoryQuery{}) {
		types = append(types, event.Type)
	}

	assert.Contains(t, types, events.AgentRegistered)
}

func TestRuntime_RedisAgentNeedsRedis(t *testing.T) {
	rt := newTestRuntime(t, Config{})

	_, err := rt.BuildAgent(loader.AgentSpec{
		ID:          "remote",
		Kind:        loader.AgentKindRedis,
		Permissions: &models.Permissions{TaskTypes: []string{"compute"}},
	})
	assert.ErrorIs(t, err, ErrRedisRequired)

	_, err = rt.BuildAgent(loader.AgentSpec{ID: "odd", Kind: "smtp"})
	assert.ErrorIs(t, err, loader.ErrUnknownKind)
}

func TestRuntime_RunsWorkflow(t *testing.T) {
	rt := newTestRuntime(t, Config{EventBus: TransportGoChannel, FlushInterval: time.Second})
	ctx := context.Background()

	manifest, err := loader.ParseManifest([]byte(testManifest))
	require.NoError(t, err)
	require.NoError(t, rt.Apply(ctx, manifest))

	defs, err := loader.ParseWorkflows([]byte(testWorkflow))
	require.NoError(t, err)
	require.NoError(t, rt.RegisterWorkflows(ctx, defs))
	require.NoError(t, rt.RegisterWorkflows(ctx, defs), "already registered definitions are skipped")

	require.NoError(t, rt.Start(ctx))

	executionID, err := rt.Engine.Execute(ctx, "greet", map[string]any{"name": "ada"})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	execution, err := rt.Engine.Wait(waitCtx, executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Equal(t, []string{"say"}, execution.Path)

	registration, ok := rt.Directory.Get("logger")
	require.True(t, ok)
	assert.Equal(t, int64(0), registration.Load)
}

func TestRuntime_RestoresFromFileStore(t *testing.T) {
	ctx := context.Background()
	cfg := Config{DatabaseURL: "file://" + filepath.Join(t.TempDir(), "state")}

	first, err := NewRuntime(ctx, log.Discard(), cfg)
	require.NoError(t, err)

	defs, err := loader.ParseWorkflows([]byte(testWorkflow))
	require.NoError(t, err)
	require.NoError(t, first.RegisterWorkflows(ctx, defs))
	require.NoError(t, first.Close(ctx))

	second := newTestRuntime(t, cfg)
	require.NoError(t, second.Restore(ctx))

	def, ok := second.Engine.GetWorkflow("greet")
	require.True(t, ok)
	assert.Equal(t, "Greeting", def.Name)
	assert.NotEmpty(t, second.Bus.History(eventbus.HistoryQuery{}), "event history survives a restart")
}
