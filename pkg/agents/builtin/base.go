// Package builtin provides the in-process agents shipped with agentflow:
// "log" writes task payloads to the structured logger and "http_request"
// performs outbound HTTP calls.
package builtin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

type runFunc func(ctx context.Context, task *models.AgentTask) (any, error)

// base tracks in-flight tasks for cancellation and keeps the agent's own
// running metrics.
type base struct {
	id          string
	agentType   string
	permissions models.Permissions
	logger      *slog.Logger
	run         runFunc

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	metrics  models.AgentMetrics
}

func newBase(id, agentType string, permissions models.Permissions, logger *slog.Logger) *base {
	return &base{
		id:          id,
		agentType:   agentType,
		permissions: permissions,
		logger:      logger.With("module", agentType+"_agent", "agent_id", id),
		inflight:    make(map[string]context.CancelFunc),
	}
}

func (b *base) ID() string { return b.id }

func (b *base) Type() string { return b.agentType }

func (b *base) Permissions() models.Permissions { return b.permissions }

func (b *base) ExecuteTask(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error) {
	var cancel context.CancelFunc
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, task.Timeout.Std())
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	b.mu.Lock()
	b.inflight[task.ID] = cancel
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.inflight, task.ID)
		b.mu.Unlock()
		cancel()
	}()

	started := time.Now()
	data, err := b.run(ctx, task)
	elapsed := time.Since(started)

	b.record(err == nil, elapsed)

	result := &models.TaskResult{
		TaskID:     task.ID,
		Success:    err == nil,
		Data:       data,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}

	if err != nil {
		b.logger.WarnContext(ctx, "Task failed", "task_id", task.ID, "task_type", task.Type, "error", err)
		result.Error = err.Error()
	}

	return result, nil
}

func (b *base) CancelTask(_ context.Context, taskID string) (bool, error) {
	b.mu.Lock()
	cancel, ok := b.inflight[taskID]
	b.mu.Unlock()

	if !ok {
		return false, nil
	}

	cancel()

	return true, nil
}

func (b *base) Health(context.Context) (models.AgentHealth, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return models.AgentHealth{Healthy: true, Timestamp: time.Now(), Metrics: b.metrics}, nil
}

func (b *base) record(success bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := float64(b.metrics.Completed + b.metrics.Errored)
	latency := float64(elapsed.Microseconds()) / 1000
	b.metrics.AvgLatencyMs = (b.metrics.AvgLatencyMs*total + latency) / (total + 1)

	if success {
		b.metrics.Completed++
	} else {
		b.metrics.Errored++
	}
}
