package eventbus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/channels/gochannel"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/persistence/file"
	"github.com/dukex/agentflow/pkg/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type permissionTable map[string]models.Permissions

func (p permissionTable) Permissions(id string) (models.Permissions, bool) {
	perms, ok := p[id]

	return perms, ok
}

var principals = permissionTable{
	"publisher": {Topics: []string{"orders:*", "alerts"}},
	"watcher":   {Topics: []string{"*"}},
	"orders":    {Topics: []string{"orders:*"}},
	"muted":     {Topics: []string{"inventory"}},
}

func newGate(t *testing.T) *security.Gate {
	t.Helper()

	gate, err := security.NewGate(
		security.WithPermissionLookup(principals),
		security.WithLogger(log.Discard()),
		security.WithSecretKey([]byte("k")),
	)
	require.NoError(t, err)

	return gate
}

type collector struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *collector) handle(_ context.Context, event events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, event)

	return nil
}

func (c *collector) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Topic)
	}

	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.events)
}

func TestPublish_DeliversToMatchingSubscribers(t *testing.T) {
	bus := eventbus.New(eventbus.WithAuthorizer(newGate(t)), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	var exact, wildcard, prefix collector

	_, err := bus.Subscribe(ctx, "orders:created", "orders", exact.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "*", "watcher", wildcard.handle)
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "orders:*", "orders", prefix.handle)
	require.NoError(t, err)

	first, err := bus.Publish(ctx, events.Event{Source: "publisher", Topic: "orders:created", Payload: map[string]any{"id": 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Delivered)
	assert.NotEmpty(t, first.Event.ID)
	assert.Equal(t, int64(1), first.Event.Offset)
	assert.Equal(t, events.EventType("orders:created"), first.Event.Type)
	assert.False(t, first.Event.Timestamp.IsZero())

	second, err := bus.Publish(ctx, events.Event{Source: "publisher", Topic: "alerts"})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Delivered)
	assert.Equal(t, int64(2), second.Event.Offset)

	assert.Equal(t, []string{"orders:created"}, exact.topics())
	assert.Equal(t, []string{"orders:created"}, prefix.topics())
	assert.Equal(t, []string{"orders:created", "alerts"}, wildcard.topics())
}

func TestPublish_DeniedIsNotAppended(t *testing.T) {
	bus := eventbus.New(eventbus.WithAuthorizer(newGate(t)), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	var watcher collector

	_, err := bus.Subscribe(ctx, "*", "watcher", watcher.handle)
	require.NoError(t, err)

	_, err = bus.Publish(ctx, events.Event{Source: "publisher", Topic: "inventory"})
	require.Error(t, err)
	assert.True(t, apperr.IsPermission(err))

	_, err = bus.Publish(ctx, events.Event{Source: "nobody", Topic: "orders:created"})
	assert.True(t, apperr.IsPermission(err))

	assert.Empty(t, bus.History(eventbus.HistoryQuery{}))
	assert.Zero(t, watcher.len())
}

func TestPublish_Validation(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Discard()))

	_, err := bus.Publish(context.Background(), events.Event{Source: "x"})
	assert.True(t, apperr.IsValidation(err))

	_, err = bus.Publish(context.Background(), events.Event{Topic: "t"})
	assert.True(t, apperr.IsValidation(err))
}

func TestPublish_HandlerFailuresDoNotAbortDelivery(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	var last collector

	failingID, err := bus.Subscribe(ctx, "jobs", "a", func(context.Context, events.Event) error {
		return errors.New("boom")
	})
	require.NoError(t, err)
	panickingID, err := bus.Subscribe(ctx, "jobs", "b", func(context.Context, events.Event) error {
		panic("kaboom")
	})
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "jobs", "c", last.handle)
	require.NoError(t, err)

	result, err := bus.Publish(ctx, events.Event{Source: "svc", Topic: "jobs"})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Delivered)
	require.Len(t, result.Failures, 2)
	assert.Equal(t, failingID, result.Failures[0].SubscriptionID)
	assert.Equal(t, "boom", result.Failures[0].Error)
	assert.Equal(t, panickingID, result.Failures[1].SubscriptionID)
	assert.Contains(t, result.Failures[1].Error, "kaboom")
	assert.Equal(t, 1, last.len())
}

func TestSubscribe_PermissionChecks(t *testing.T) {
	gate := newGate(t)
	bus := eventbus.New(eventbus.WithAuthorizer(gate), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	_, err := bus.Subscribe(ctx, "alerts", "orders", func(context.Context, events.Event) error { return nil })
	assert.True(t, apperr.IsPermission(err))

	var watcher collector

	_, err = bus.Subscribe(ctx, "*", "watcher", watcher.handle)
	require.NoError(t, err)

	gate.Quarantine(ctx, "watcher", "test")

	result, err := bus.Publish(ctx, events.Event{Source: "publisher", Topic: "alerts"})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Delivered)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, watcher.len())
}

func TestUnsubscribe(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	var a, b collector

	_, err := bus.Subscribe(ctx, "t", "a", a.handle)
	require.NoError(t, err)
	idB, err := bus.Subscribe(ctx, "t", "b", b.handle)
	require.NoError(t, err)

	assert.True(t, bus.Unsubscribe("t", "a"))
	assert.False(t, bus.Unsubscribe("t", "a"))

	_, err = bus.Publish(ctx, events.Event{Source: "s", Topic: "t"})
	require.NoError(t, err)
	assert.Zero(t, a.len())
	assert.Equal(t, 1, b.len())

	assert.True(t, bus.Remove(idB))
	assert.Empty(t, bus.Subscriptions())
}

func TestHistory(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++

		return now.Add(time.Duration(tick) * time.Minute)
	}

	bus := eventbus.New(eventbus.WithHistorySize(3), eventbus.WithClock(clock), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	for _, topic := range []string{"a:1", "b:1", "a:2", "b:2", "a:3"} {
		_, err := bus.Publish(ctx, events.Event{Source: "s", Topic: topic})
		require.NoError(t, err)
	}

	offsets := func(list []events.Event) []int64 {
		out := make([]int64, 0, len(list))
		for _, e := range list {
			out = append(out, e.Offset)
		}

		return out
	}

	assert.Equal(t, []int64{3, 4, 5}, offsets(bus.History(eventbus.HistoryQuery{})), "oldest dropped first")
	assert.Equal(t, []int64{3, 5}, offsets(bus.History(eventbus.HistoryQuery{Topic: "a:*"})))
	assert.Equal(t, []int64{4, 5}, offsets(bus.History(eventbus.HistoryQuery{FromOffset: 4})))
	assert.Equal(t, []int64{5}, offsets(bus.History(eventbus.HistoryQuery{Limit: 1})))
	assert.Equal(t, []int64{4, 5}, offsets(bus.History(eventbus.HistoryQuery{Since: now.Add(4 * time.Minute)})))
}

func TestReplay(t *testing.T) {
	bus := eventbus.New(eventbus.WithAuthorizer(newGate(t)), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	for range 2 {
		_, err := bus.Publish(ctx, events.Event{Source: "publisher", Topic: "orders:created"})
		require.NoError(t, err)
	}

	_, err := bus.Replay(ctx, "orders", "orders:*", time.Time{})
	assert.True(t, apperr.IsNotFound(err))

	var late collector

	_, err = bus.Subscribe(ctx, "orders:*", "orders", late.handle)
	require.NoError(t, err)

	n, err := bus.Replay(ctx, "orders", "orders:*", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, late.len())
	assert.Len(t, bus.History(eventbus.HistoryQuery{}), 2, "replay does not publish")

	_, err = bus.Replay(ctx, "muted", "orders:*", time.Time{})
	assert.True(t, apperr.IsPermission(err))
}

func TestSigning(t *testing.T) {
	signed := eventbus.New(eventbus.WithSigningKey([]byte("secret")), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	result, err := signed.Publish(ctx, events.Event{Source: "s", Topic: "t", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)
	require.NotEmpty(t, result.Event.Signature)
	assert.True(t, signed.Verify(result.Event))

	tampered := result.Event.Clone()
	tampered.Payload["n"] = 2
	assert.False(t, signed.Verify(tampered))

	other := eventbus.New(eventbus.WithSigningKey([]byte("other")), eventbus.WithLogger(log.Discard()))
	assert.False(t, other.Verify(result.Event))

	unsigned := eventbus.New(eventbus.WithLogger(log.Discard()))
	plain, err := unsigned.Publish(ctx, events.Event{Source: "s", Topic: "t"})
	require.NoError(t, err)
	assert.Empty(t, plain.Event.Signature)
	assert.False(t, unsigned.Verify(plain.Event))
}

func TestNotify_PublishesAsSystem(t *testing.T) {
	bus := eventbus.New(eventbus.WithAuthorizer(newGate(t)), eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	var watcher collector

	_, err := bus.Subscribe(ctx, "workflow:*", "watcher", watcher.handle)
	require.NoError(t, err)

	bus.Notify(ctx, "workflow-engine", events.WorkflowStarted, map[string]any{"execution_id": "e1"})

	require.Equal(t, 1, watcher.len())
	assert.Equal(t, "workflow-engine", watcher.events[0].Source)
	assert.Equal(t, events.WorkflowStarted, watcher.events[0].Type)
}

func TestPersistence_FlushAndLoad(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	ctx := context.Background()

	bus := eventbus.New(eventbus.WithStore(store), eventbus.WithHistorySize(3), eventbus.WithLogger(log.Discard()))

	for _, topic := range []string{"a", "b"} {
		_, err := bus.Publish(ctx, events.Event{Source: "s", Topic: topic})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Flush(ctx))

	for _, topic := range []string{"c", "d", "e"} {
		_, err := bus.Publish(ctx, events.Event{Source: "s", Topic: topic})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Stop(ctx))

	records, err := store.List(ctx, persistence.CollectionEvents)
	require.NoError(t, err)
	assert.Len(t, records, 3, "events outside the history are deleted")

	restored := eventbus.New(eventbus.WithStore(store), eventbus.WithHistorySize(3), eventbus.WithLogger(log.Discard()))

	n, err := restored.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	history := restored.History(eventbus.HistoryQuery{})
	require.Len(t, history, 3)
	assert.Equal(t, "c", history[0].Topic)

	next, err := restored.Publish(ctx, events.Event{Source: "s", Topic: "f"})
	require.NoError(t, err)
	assert.Equal(t, int64(6), next.Event.Offset)
}

func TestFlusherLifecycle(t *testing.T) {
	bus := eventbus.New(eventbus.WithLogger(log.Discard()))
	ctx := context.Background()

	require.NoError(t, bus.StartFlusher(ctx, time.Hour))
	require.NoError(t, bus.StartFlusher(ctx, time.Hour))
	require.NoError(t, bus.Stop(ctx))
}

func TestBridge_ForwardsBetweenBuses(t *testing.T) {
	pubSub := gochannel.CreateChannel(watermill.NopLogger{}, 0)
	defer pubSub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := eventbus.WithSigningKey([]byte("shared"))
	origin := eventbus.New(eventbus.WithPublisher(pubSub), key, eventbus.WithLogger(log.Discard()))
	remote := eventbus.New(key, eventbus.WithLogger(log.Discard()))

	require.NoError(t, origin.Bridge(ctx, pubSub))
	require.NoError(t, remote.Bridge(ctx, pubSub))

	received := make(chan events.Event, 1)

	_, err := remote.Subscribe(ctx, "jobs", "worker", func(_ context.Context, event events.Event) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	published, err := origin.Publish(ctx, events.Event{Source: "s", Topic: "jobs", Payload: map[string]any{"n": 1}})
	require.NoError(t, err)

	select {
	case event := <-received:
		assert.Equal(t, published.Event.ID, event.ID)
		assert.Equal(t, float64(1), event.Payload["n"])
	case <-time.After(5 * time.Second):
		t.Fatal("event was not bridged")
	}

	assert.Eventually(t, func() bool {
		return len(remote.History(eventbus.HistoryQuery{})) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, origin.History(eventbus.HistoryQuery{}), 1, "own events are not ingested twice")
}
