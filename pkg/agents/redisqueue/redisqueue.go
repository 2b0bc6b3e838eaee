// Package redisqueue connects out-of-process agents through Redis lists.
//
// The coordinator side (Agent) pushes tasks onto "<prefix>tasks:<agent>" and
// waits on "<prefix>results:<task>". The worker side (Worker) pops tasks, runs
// them on a local agents.Agent, pushes results back and keeps a heartbeat key
// "<prefix>heartbeat:<agent>" fresh.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// Transport is the endpoint transport name stored in registrations.
const Transport = "redis"

const (
	DefaultPrefix      = "agentflow:agents:"
	defaultHeartbeat   = 10 * time.Second
	cancelMarkerTTL    = time.Hour
	resultKeyTTL       = time.Hour
	defaultTaskTimeout = 5 * time.Minute
)

// ErrNoHeartbeat means the worker has not refreshed its heartbeat key.
var ErrNoHeartbeat = errors.New("no heartbeat from remote agent")

type keys struct {
	prefix string
}

func (k keys) tasks(agentID string) string     { return k.prefix + "tasks:" + agentID }
func (k keys) results(taskID string) string    { return k.prefix + "results:" + taskID }
func (k keys) cancelled(taskID string) string  { return k.prefix + "cancelled:" + taskID }
func (k keys) heartbeat(agentID string) string { return k.prefix + "heartbeat:" + agentID }

// Agent is the coordinator-side proxy of a remote worker.
type Agent struct {
	id          string
	agentType   string
	permissions models.Permissions
	client      redis.UniversalClient
	keys        keys
	logger      *slog.Logger
}

// NewAgent creates a proxy for the worker serving agent id.
func NewAgent(client redis.UniversalClient, id, agentType string, permissions models.Permissions, logger *slog.Logger) *Agent {
	return &Agent{
		id:          id,
		agentType:   agentType,
		permissions: permissions,
		client:      client,
		keys:        keys{prefix: DefaultPrefix},
		logger:      logger.With("module", "redis_agent", "agent_id", id),
	}
}

// WithPrefix moves the proxy to another key namespace. The worker must use
// the same prefix.
func (a *Agent) WithPrefix(prefix string) *Agent {
	if prefix != "" {
		a.keys.prefix = prefix
	}

	return a
}

// Endpoint describes this proxy for persistence.
func (a *Agent) Endpoint() *models.AgentEndpoint {
	return &models.AgentEndpoint{Transport: Transport, Options: map[string]string{"prefix": a.keys.prefix}}
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Type() string { return a.agentType }

func (a *Agent) Permissions() models.Permissions { return a.permissions }

// ExecuteTask enqueues the task and blocks until the worker answers or ctx
// (or the task timeout) expires.
func (a *Agent) ExecuteTask(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task: %w", err)
	}

	err = a.client.RPush(ctx, a.keys.tasks(a.id), payload).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	a.logger.DebugContext(ctx, "Task enqueued", "task_id", task.ID, "task_type", task.Type)

	wait := defaultTaskTimeout
	if task.Timeout > 0 {
		wait = task.Timeout.Std()
	}

	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}

	if wait <= 0 {
		return nil, context.DeadlineExceeded
	}

	reply, err := a.client.BLPop(ctx, wait, a.keys.results(task.ID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, context.DeadlineExceeded
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("failed to wait for task result: %w", err)
	}

	if len(reply) < 2 {
		return nil, fmt.Errorf("malformed reply for task %s", task.ID)
	}

	var result models.TaskResult
	if err := json.Unmarshal([]byte(reply[1]), &result); err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}

	return &result, nil
}

// CancelTask marks the task cancelled. A worker skips marked tasks that it
// has not started yet.
func (a *Agent) CancelTask(ctx context.Context, taskID string) (bool, error) {
	err := a.client.Set(ctx, a.keys.cancelled(taskID), "1", cancelMarkerTTL).Err()
	if err != nil {
		return false, fmt.Errorf("failed to mark task cancelled: %w", err)
	}

	return true, nil
}

// Health reads the worker heartbeat.
func (a *Agent) Health(ctx context.Context) (models.AgentHealth, error) {
	raw, err := a.client.Get(ctx, a.keys.heartbeat(a.id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return models.AgentHealth{}, ErrNoHeartbeat
		}

		return models.AgentHealth{}, err
	}

	var health models.AgentHealth
	if err := json.Unmarshal(raw, &health); err != nil {
		return models.AgentHealth{}, fmt.Errorf("failed to decode heartbeat: %w", err)
	}

	return health, nil
}

// Factory rebuilds proxies for registrations whose endpoint transport is redis.
func Factory(client redis.UniversalClient, logger *slog.Logger) agents.Factory {
	return func(_ context.Context, registration *models.AgentRegistration) (agents.Agent, error) {
		if registration.Endpoint == nil || registration.Endpoint.Transport != Transport {
			return nil, fmt.Errorf("agent %s has no redis endpoint", registration.ID)
		}

		agent := NewAgent(client, registration.ID, registration.Type, registration.Permissions, logger).
			WithPrefix(registration.Endpoint.Options["prefix"])

		return agent, nil
	}
}
