package security_test

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/security"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestRedisCounter(t *testing.T) {
	if os.Getenv("AGENTFLOW_INTEGRATION") != "1" {
		t.Skip("set AGENTFLOW_INTEGRATION=1 to run Redis integration tests")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)

	defer func() {
		_ = container.Terminate(ctx)
	}()

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	defer client.Close()

	gate, _, _ := newGate(t, security.WithCounter(security.NewRedisCounter(client)))
	require.NoError(t, gate.AddPolicy(security.Policy{
		ID:      "rate",
		Enabled: true,
		Rules: []security.Rule{{
			ID: "r", Type: security.RuleRateLimit, Effect: security.EffectDeny,
			MaxRequests: 1, Window: models.Duration(time.Minute),
		}},
	}))

	assert.True(t, gate.Validate(ctx, "agentA", "publish", "topic:x", nil).Allowed)
	assert.False(t, gate.Validate(ctx, "agentA", "publish", "topic:x", nil).Allowed)

	ttl, err := client.TTL(ctx, "agentflow:ratelimit:agentA:publish:"+windowKey(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))).Result()
	require.NoError(t, err)
	assert.True(t, ttl > 0, "window key expires")
}

func windowKey(now time.Time) string {
	return strconv.FormatInt(now.UnixNano()/int64(time.Minute), 10)
}

func TestMemoryCounter_DropsFinishedWindows(t *testing.T) {
	counter := security.NewMemoryCounter()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for _, key := range []string{"a:publish", "b:publish", "c:subscribe"} {
		_, err := counter.Incr(ctx, key, time.Second, now)
		require.NoError(t, err)
	}

	assert.Equal(t, 3, counter.Len())

	got, err := counter.Incr(ctx, "d:publish", time.Hour, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, 1, counter.Len(), "only the live window is kept")
}
