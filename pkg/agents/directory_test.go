package agents

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence/memory"
	"github.com/dukex/agentflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func newTestDirectory(t *testing.T, opts ...Option) (*Directory, *testutil.Recorder) {
	t.Helper()

	recorder := &testutil.Recorder{}
	base := []Option{WithNotifier(recorder), WithLogger(log.Discard())}

	return NewDirectory(append(base, opts...)...), recorder
}

func ids(registrations []*models.AgentRegistration) []string {
	out := make([]string, 0, len(registrations))
	for _, r := range registrations {
		out = append(out, r.ID)
	}

	return out
}

func TestDirectory_Register(t *testing.T) {
	d, recorder := newTestDirectory(t)
	ctx := context.Background()

	registration, err := d.Register(ctx, testutil.NewStubAgent("a", testutil.WithTaskTypes("fetch")), []string{"fast"}, []string{"http"})
	require.NoError(t, err)
	assert.Equal(t, "a", registration.ID)
	assert.Equal(t, "stub", registration.Type)
	assert.True(t, registration.Health.Healthy)
	assert.Equal(t, []string{"fetch"}, registration.Permissions.TaskTypes)
	assert.Equal(t, 1, recorder.Count(events.AgentRegistered))

	_, err = d.Register(ctx, testutil.NewStubAgent("a"), nil, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	assert.Equal(t, apperr.CodeAgentExists, apperr.CodeOf(err))

	_, err = d.Register(ctx, testutil.NewStubAgent(""), nil, nil)
	assert.True(t, apperr.IsValidation(err))
}

func TestDirectory_Unregister(t *testing.T) {
	d, recorder := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, testutil.NewStubAgent("a"), nil, nil)
	require.NoError(t, err)

	assert.True(t, d.Unregister(ctx, "a"))
	assert.False(t, d.Unregister(ctx, "a"))
	assert.Empty(t, d.List())
	assert.Equal(t, 1, recorder.Count(events.AgentUnregistered))
}

func TestDirectory_Discover(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, testutil.NewStubAgent("web-1", testutil.WithAgentType("web")), []string{"eu", "fast"}, []string{"http", "html"})
	require.NoError(t, err)
	_, err = d.Register(ctx, testutil.NewStubAgent("web-2", testutil.WithAgentType("web")), []string{"us"}, []string{"http"})
	require.NoError(t, err)
	_, err = d.Register(ctx, testutil.NewStubAgent("db-1", testutil.WithAgentType("db")), []string{"eu"}, []string{"sql"})
	require.NoError(t, err)

	require.NoError(t, d.ReportHealth(ctx, "web-2", models.AgentHealth{Healthy: false, Reason: "disk full"}))

	tests := []struct {
		name  string
		query Query
		want  []string
	}{
		{"all healthy", Query{}, []string{"web-1", "db-1"}},
		{"include unhealthy", Query{IncludeUnhealthy: true}, []string{"web-1", "web-2", "db-1"}},
		{"by type", Query{Type: "web", IncludeUnhealthy: true}, []string{"web-1", "web-2"}},
		{"all tags must match", Query{Tags: []string{"eu", "fast"}}, []string{"web-1"}},
		{"all capabilities must match", Query{Capabilities: []string{"http", "html"}, IncludeUnhealthy: true}, []string{"web-1"}},
		{"no match", Query{Capabilities: []string{"gpu"}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(d.Discover(tt.query)))
		})
	}
}

func TestDirectory_DiscoverStrategyMovesChoiceToFront(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Register(ctx, testutil.NewStubAgent(id), nil, nil)
		require.NoError(t, err)
	}

	d.entries["a"].registration.Load = 2
	d.entries["b"].registration.Load = 1
	d.entries["c"].registration.Load = 0

	assert.Equal(t, []string{"c", "a", "b"}, ids(d.Discover(Query{Strategy: StrategyLeastLoaded})))
}

func TestDirectory_LeastLoaded(t *testing.T) {
	d, recorder := newTestDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Register(ctx, testutil.NewStubAgent(id), nil, nil)
		require.NoError(t, err)
	}

	d.entries["a"].registration.Load = 3
	d.entries["b"].registration.Load = 1
	d.entries["c"].registration.Load = 2

	selected, ok := d.SelectForTask(ctx, "any", Requirements{Strategy: StrategyLeastLoaded})
	require.True(t, ok)
	assert.Equal(t, "b", selected.ID)
	assert.Equal(t, int64(2), selected.Load)

	// b and c are tied at 2; registration order wins.
	selected, ok = d.SelectForTask(ctx, "any", Requirements{})
	require.True(t, ok)
	assert.Equal(t, "b", selected.ID)

	assert.Equal(t, 2, recorder.Count(events.AgentSelected))

	d.Release("b")
	d.Release("b")

	registration, _ := d.Get("b")
	assert.Equal(t, int64(1), registration.Load)
}

func TestDirectory_RoundRobin(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := d.Register(ctx, testutil.NewStubAgent(id), nil, nil)
		require.NoError(t, err)
	}

	var got []string

	for range 4 {
		selected, ok := d.SelectForTask(ctx, "any", Requirements{Strategy: StrategyRoundRobin})
		require.True(t, ok)
		got = append(got, selected.ID)
	}

	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestDirectory_RandomStaysWithinCandidates(t *testing.T) {
	d, _ := newTestDirectory(t, WithRandSeed(42))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := d.Register(ctx, testutil.NewStubAgent(id), nil, nil)
		require.NoError(t, err)
	}

	for range 10 {
		selected, ok := d.SelectForTask(ctx, "any", Requirements{Strategy: StrategyRandom})
		require.True(t, ok)
		assert.Contains(t, []string{"a", "b"}, selected.ID)
	}
}

func TestDirectory_HealthBased(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d, _ := newTestDirectory(t, WithClock(clock.Now))
	ctx := context.Background()

	for _, id := range []string{"flaky", "steady"} {
		_, err := d.Register(ctx, testutil.NewStubAgent(id), nil, nil)
		require.NoError(t, err)
	}

	require.NoError(t, d.ReportHealth(ctx, "flaky", models.AgentHealth{Healthy: true, Metrics: models.AgentMetrics{Completed: 5, Errored: 5}}))
	require.NoError(t, d.ReportHealth(ctx, "steady", models.AgentHealth{Healthy: true, Metrics: models.AgentMetrics{Completed: 10}}))

	selected, ok := d.SelectForTask(ctx, "any", Requirements{Strategy: StrategyHealthBased})
	require.True(t, ok)
	assert.Equal(t, "steady", selected.ID)
}

func TestDirectory_SelectForTaskFiltersPermissions(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	_, err := d.Register(ctx, testutil.NewStubAgent("reader", testutil.WithTaskTypes("read")), nil, []string{"files"})
	require.NoError(t, err)
	_, err = d.Register(ctx, testutil.NewStubAgent("writer", testutil.WithTaskTypes("write:*")), nil, []string{"files"})
	require.NoError(t, err)

	selected, ok := d.SelectForTask(ctx, "write:disk", Requirements{Capability: "files"})
	require.True(t, ok)
	assert.Equal(t, "writer", selected.ID)

	_, ok = d.SelectForTask(ctx, "delete", Requirements{Capability: "files"})
	assert.False(t, ok)

	_, ok = d.SelectForTask(ctx, "read", Requirements{Capability: "gpu"})
	assert.False(t, ok)
}

func TestDirectory_Distribute(t *testing.T) {
	ctx := context.Background()

	t.Run("no suitable agent", func(t *testing.T) {
		d, _ := newTestDirectory(t)

		_, err := d.Distribute(ctx, "fetch", nil)
		require.Error(t, err)
		assert.True(t, apperr.IsDispatch(err))
		assert.Equal(t, apperr.CodeNoSuitableAgent, apperr.CodeOf(err))
	})

	t.Run("success releases load", func(t *testing.T) {
		d, _ := newTestDirectory(t)
		agent := testutil.NewStubAgent("a", testutil.WithResult(map[string]any{"ok": true}))

		_, err := d.Register(ctx, agent, nil, nil)
		require.NoError(t, err)

		result, err := d.Distribute(ctx, "fetch", map[string]any{"url": "https://example.com"})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, map[string]any{"ok": true}, result.Data)
		assert.Equal(t, "fetch", agent.Tasks()[0].Type)

		registration, _ := d.Get("a")
		assert.Equal(t, int64(0), registration.Load)
	})

	t.Run("agent failure", func(t *testing.T) {
		d, _ := newTestDirectory(t)

		_, err := d.Register(ctx, testutil.NewStubAgent("a", testutil.WithFailure("boom")), nil, nil)
		require.NoError(t, err)

		_, err = d.Distribute(ctx, "fetch", nil)
		require.Error(t, err)
		assert.True(t, apperr.IsAgentExecution(err))
		assert.Contains(t, err.Error(), "boom")
	})
}

func TestHealthScore_Monotonic(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	score := func(completed, errored int64, latency float64, staleness time.Duration) float64 {
		return HealthScore(&models.AgentRegistration{
			Metrics:  models.AgentMetrics{Completed: completed, Errored: errored, AvgLatencyMs: latency},
			LastSeen: now.Add(-staleness),
		}, now)
	}

	assert.InDelta(t, 100.0, score(10, 0, 100, 0), 1e-9)

	previous := score(100, 0, 0, 0)
	for errored := int64(1); errored <= 100; errored += 9 {
		current := score(100-errored, errored, 0, 0)
		assert.LessOrEqual(t, current, previous)
		previous = current
	}

	previous = score(10, 0, 5000, 0)
	for latency := 5000.0; latency <= 60000; latency += 2500 {
		current := score(10, 0, latency, 0)
		assert.LessOrEqual(t, current, previous)
		previous = current
	}

	previous = score(10, 0, 0, 0)
	for staleness := time.Duration(0); staleness <= 40*time.Minute; staleness += 3 * time.Minute {
		current := score(10, 0, 0, staleness)
		assert.LessOrEqual(t, current, previous)
		previous = current
	}

	// Penalties are capped at 50 + 30 + 20.
	assert.InDelta(t, 0.0, score(0, 10, 1e9, 24*time.Hour), 1e-9)
}

func TestDirectory_SweepMarksUnresponsive(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d, recorder := newTestDirectory(t, WithClock(clock.Now), WithHealthInterval(10*time.Second))
	ctx := context.Background()

	agent := testutil.NewStubAgent("a")
	_, err := d.Register(ctx, agent, nil, nil)
	require.NoError(t, err)

	agent.SetHealth(models.AgentHealth{}, errors.New("connection refused"))

	clock.Advance(15 * time.Second)
	d.Sweep(ctx)

	registration, _ := d.Get("a")
	assert.True(t, registration.Health.Healthy, "one missed interval is tolerated")

	clock.Advance(10 * time.Second)
	d.Sweep(ctx)

	registration, _ = d.Get("a")
	assert.False(t, registration.Health.Healthy)
	assert.Equal(t, "unresponsive", registration.Health.Reason)
	assert.Equal(t, 1, recorder.Count(events.AgentHealthChanged))

	agent.SetHealth(models.AgentHealth{Healthy: true, Metrics: models.AgentMetrics{Completed: 3}}, nil)
	d.Sweep(ctx)

	registration, _ = d.Get("a")
	assert.True(t, registration.Health.Healthy)
	assert.Equal(t, int64(3), registration.Metrics.Completed)
	assert.Equal(t, 2, recorder.Count(events.AgentHealthChanged))
}

func TestDirectory_SweepUsesSelfReportedHealth(t *testing.T) {
	d, recorder := newTestDirectory(t)
	ctx := context.Background()

	agent := testutil.NewStubAgent("a")
	_, err := d.Register(ctx, agent, nil, nil)
	require.NoError(t, err)

	agent.SetHealth(models.AgentHealth{Healthy: false, Reason: "degraded"}, nil)
	d.Sweep(ctx)

	registration, _ := d.Get("a")
	assert.False(t, registration.Health.Healthy)
	assert.Equal(t, "degraded", registration.Health.Reason)
	assert.Equal(t, 1, recorder.Count(events.AgentHealthChanged))
}

func TestDirectory_HealthMonitorLifecycle(t *testing.T) {
	d, _ := newTestDirectory(t, WithHealthInterval(time.Hour))

	require.NoError(t, d.StartHealthMonitor(context.Background()))
	require.NoError(t, d.StartHealthMonitor(context.Background()))
	d.Stop()
	d.Stop()
}

func TestDirectory_SaveAndRestore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewPersistence()

	first, _ := newTestDirectory(t, WithStore(store))
	_, err := first.Register(ctx, testutil.NewStubAgent("a"), []string{"eu"}, []string{"http"})
	require.NoError(t, err)
	_, err = first.Register(ctx, testutil.NewStubAgent("b"), nil, nil)
	require.NoError(t, err)
	require.NoError(t, first.Save(ctx))

	second, _ := newTestDirectory(t, WithStore(store))

	restored, err := second.Restore(ctx, func(_ context.Context, registration *models.AgentRegistration) (Agent, error) {
		if registration.ID == "b" {
			return nil, errors.New("no transport")
		}

		return testutil.NewStubAgent(registration.ID), nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	registration, ok := second.Get("a")
	require.True(t, ok)
	assert.Equal(t, []string{"eu"}, registration.Tags)
	assert.Equal(t, []string{"http"}, registration.Capabilities)

	_, ok = second.Get("b")
	assert.False(t, ok)
}

type remoteStub struct {
	*testutil.StubAgent
}

func (remoteStub) Endpoint() *models.AgentEndpoint {
	return &models.AgentEndpoint{Transport: "queue", Options: map[string]string{"prefix": "x:"}}
}

func TestDirectory_RegisterCapturesEndpoint(t *testing.T) {
	d, _ := newTestDirectory(t)

	_, err := d.Register(context.Background(), remoteStub{testutil.NewStubAgent("remote")}, nil, nil)
	require.NoError(t, err)

	registration, ok := d.Get("remote")
	require.True(t, ok)
	require.NotNil(t, registration.Endpoint)
	assert.Equal(t, "queue", registration.Endpoint.Transport)
	assert.Equal(t, "x:", registration.Endpoint.Options["prefix"])
}

func TestParseStrategy(t *testing.T) {
	strategy, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyLeastLoaded, strategy)

	strategy, err = ParseStrategy("health_based")
	require.NoError(t, err)
	assert.Equal(t, StrategyHealthBased, strategy)

	_, err = ParseStrategy("fastest")
	assert.Error(t, err)
}
