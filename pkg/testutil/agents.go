// Package testutil provides test agents, data builders and utilities for testing.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dukex/agentflow/pkg/models"
)

// TaskFunc computes the result of a stub task.
type TaskFunc func(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error)

// StubAgent is an in-process agent whose behaviour is set per test.
type StubAgent struct {
	AgentID     string
	AgentType   string
	Perms       models.Permissions
	HealthState models.AgentHealth
	HealthErr   error
	Handler     TaskFunc

	calls     atomic.Int64
	mu        sync.Mutex
	tasks     []*models.AgentTask
	cancelled []string
}

// NewStubAgent creates a healthy agent allowed to run every task type and
// answering every task with {success: true}.
func NewStubAgent(id string, overrides ...func(*StubAgent)) *StubAgent {
	agent := &StubAgent{
		AgentID:     id,
		AgentType:   "stub",
		Perms:       models.Permissions{TaskTypes: []string{"*"}, Topics: []string{"*"}},
		HealthState: models.AgentHealth{Healthy: true},
	}

	for _, override := range overrides {
		override(agent)
	}

	return agent
}

// WithAgentType sets the declared type.
func WithAgentType(agentType string) func(*StubAgent) {
	return func(a *StubAgent) {
		a.AgentType = agentType
	}
}

// WithTaskTypes restricts the task types the agent may run.
func WithTaskTypes(taskTypes ...string) func(*StubAgent) {
	return func(a *StubAgent) {
		a.Perms.TaskTypes = taskTypes
	}
}

// WithTopics restricts the topics the agent may use.
func WithTopics(topics ...string) func(*StubAgent) {
	return func(a *StubAgent) {
		a.Perms.Topics = topics
	}
}

// WithSecrets sets the secret patterns the agent may read.
func WithSecrets(secrets ...string) func(*StubAgent) {
	return func(a *StubAgent) {
		a.Perms.Secrets = secrets
	}
}

// WithHandler sets the task handler.
func WithHandler(handler TaskFunc) func(*StubAgent) {
	return func(a *StubAgent) {
		a.Handler = handler
	}
}

// WithResult makes every task succeed with data.
func WithResult(data any) func(*StubAgent) {
	return WithHandler(func(_ context.Context, task *models.AgentTask) (*models.TaskResult, error) {
		return &models.TaskResult{TaskID: task.ID, Success: true, Data: data}, nil
	})
}

// WithFailure makes every task report failure with message.
func WithFailure(message string) func(*StubAgent) {
	return WithHandler(func(_ context.Context, task *models.AgentTask) (*models.TaskResult, error) {
		return &models.TaskResult{TaskID: task.ID, Success: false, Error: message}, nil
	})
}

// Blocking makes every task wait until its context is done.
func Blocking() func(*StubAgent) {
	return WithHandler(func(ctx context.Context, _ *models.AgentTask) (*models.TaskResult, error) {
		<-ctx.Done()

		return nil, ctx.Err()
	})
}

func (a *StubAgent) ID() string { return a.AgentID }

func (a *StubAgent) Type() string { return a.AgentType }

func (a *StubAgent) Permissions() models.Permissions { return a.Perms }

func (a *StubAgent) ExecuteTask(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error) {
	a.calls.Add(1)

	a.mu.Lock()
	a.tasks = append(a.tasks, task)
	a.mu.Unlock()

	if a.Handler == nil {
		return &models.TaskResult{TaskID: task.ID, Success: true, Data: map[string]any{"success": true}}, nil
	}

	return a.Handler(ctx, task)
}

func (a *StubAgent) CancelTask(_ context.Context, taskID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if taskID == "" {
		return false, errors.New("task id is required")
	}

	a.cancelled = append(a.cancelled, taskID)

	return true, nil
}

func (a *StubAgent) Health(context.Context) (models.AgentHealth, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.HealthState, a.HealthErr
}

// SetHealth changes the reported health.
func (a *StubAgent) SetHealth(health models.AgentHealth, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.HealthState = health
	a.HealthErr = err
}

// Calls returns the number of ExecuteTask invocations.
func (a *StubAgent) Calls() int {
	return int(a.calls.Load())
}

// Tasks returns the tasks received so far.
func (a *StubAgent) Tasks() []*models.AgentTask {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]*models.AgentTask(nil), a.tasks...)
}

// Cancelled returns the task ids passed to CancelTask.
func (a *StubAgent) Cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]string(nil), a.cancelled...)
}
