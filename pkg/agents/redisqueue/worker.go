package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

// Worker serves tasks queued for a local agent.
type Worker struct {
	agent     agents.Agent
	client    redis.UniversalClient
	keys      keys
	heartbeat time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a worker for agent.
func NewWorker(client redis.UniversalClient, agent agents.Agent, logger *slog.Logger) *Worker {
	return &Worker{
		agent:     agent,
		client:    client,
		keys:      keys{prefix: DefaultPrefix},
		heartbeat: defaultHeartbeat,
		logger:    logger.With("module", "redis_worker", "agent_id", agent.ID()),
		stopCh:    make(chan struct{}),
	}
}

// WithPrefix sets the key namespace shared with the coordinator.
func (w *Worker) WithPrefix(prefix string) *Worker {
	if prefix != "" {
		w.keys.prefix = prefix
	}

	return w
}

// Start begins consuming tasks and publishing heartbeats.
func (w *Worker) Start(ctx context.Context) error {
	err := w.beat(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish heartbeat: %w", err)
	}

	w.wg.Add(2)

	go w.consume(ctx)
	go w.heartbeatLoop(ctx)

	w.logger.InfoContext(ctx, "Worker started", "queue", w.keys.tasks(w.agent.ID()))

	return nil
}

// Stop halts the worker and waits for the loops to exit.
func (w *Worker) Stop(ctx context.Context) {
	w.logger.InfoContext(ctx, "Stopping worker")

	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) beat(ctx context.Context) error {
	health, err := w.agent.Health(ctx)
	if err != nil {
		health = models.AgentHealth{Healthy: false, Reason: err.Error()}
	}

	health.Timestamp = time.Now()

	payload, err := json.Marshal(health)
	if err != nil {
		return err
	}

	return w.client.Set(ctx, w.keys.heartbeat(w.agent.ID()), payload, 3*w.heartbeat).Err()
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.beat(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Failed to publish heartbeat", "error", err)
			}
		}
	}
}

func (w *Worker) consume(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			w.logger.InfoContext(ctx, "Worker consumer stopped")

			return
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Context cancelled, stopping worker consumer")

			return
		default:
			err := w.processTask(ctx)
			if err != nil && ctx.Err() == nil {
				w.logger.ErrorContext(ctx, "Error processing task", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

func (w *Worker) processTask(ctx context.Context) error {
	reply, err := w.client.BLPop(ctx, time.Second, w.keys.tasks(w.agent.ID())).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}

		return fmt.Errorf("failed to pop task from queue: %w", err)
	}

	if len(reply) < 2 {
		return nil
	}

	var task models.AgentTask
	if err := json.Unmarshal([]byte(reply[1]), &task); err != nil {
		return fmt.Errorf("failed to decode task: %w", err)
	}

	cancelled, err := w.client.Exists(ctx, w.keys.cancelled(task.ID)).Result()
	if err == nil && cancelled > 0 {
		w.logger.InfoContext(ctx, "Skipping cancelled task", "task_id", task.ID)

		return w.reply(ctx, &models.TaskResult{TaskID: task.ID, Success: false, Error: "task cancelled"})
	}

	result, err := w.agent.ExecuteTask(ctx, &task)
	if err != nil {
		result = &models.TaskResult{TaskID: task.ID, Success: false, Error: err.Error()}
	}

	return w.reply(ctx, result)
}

func (w *Worker) reply(ctx context.Context, result *models.TaskResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}

	key := w.keys.results(result.TaskID)

	_, err = w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.Expire(ctx, key, resultKeyTTL)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push result: %w", err)
	}

	return nil
}
