package testutil

import (
	"context"
	"sync"

	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
)

// CreateTestStep creates a step with default values that can be overridden.
func CreateTestStep(id string, kind models.StepKind, overrides ...func(*models.Step)) models.Step {
	step := models.Step{
		ID:     id,
		Name:   "Step " + id,
		Kind:   kind,
		Config: map[string]any{},
	}

	for _, override := range overrides {
		override(&step)
	}

	return step
}

// WithConfig sets the step configuration.
func WithConfig(config map[string]any) func(*models.Step) {
	return func(s *models.Step) {
		s.Config = config
	}
}

// WithOnSuccess sets the success edges.
func WithOnSuccess(ids ...string) func(*models.Step) {
	return func(s *models.Step) {
		s.OnSuccess = ids
	}
}

// WithOnFailure sets the failure edges.
func WithOnFailure(ids ...string) func(*models.Step) {
	return func(s *models.Step) {
		s.OnFailure = ids
	}
}

// WithRetry sets a retry policy.
func WithRetry(maxRetries int, baseDelay models.Duration, multiplier float64) func(*models.Step) {
	return func(s *models.Step) {
		s.RetryPolicy = &models.RetryPolicy{
			MaxRetries:        maxRetries,
			BaseDelay:         baseDelay,
			BackoffMultiplier: multiplier,
		}
	}
}

// WithTimeout sets the step timeout.
func WithTimeout(timeout models.Duration) func(*models.Step) {
	return func(s *models.Step) {
		s.Timeout = timeout
	}
}

// TaskStep creates a task step running taskType.
func TaskStep(id, taskType string, overrides ...func(*models.Step)) models.Step {
	base := []func(*models.Step){WithConfig(map[string]any{"taskType": taskType})}

	return CreateTestStep(id, models.StepKindTask, append(base, overrides...)...)
}

// CreateTestWorkflow creates a definition with the given steps.
func CreateTestWorkflow(id string, steps ...models.Step) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:        id,
		Name:      "Test Workflow " + id,
		Version:   "1.0.0",
		Steps:     steps,
		Variables: map[string]any{"env": "test"},
	}
}

// RecordedEvent is one notification captured by a Recorder.
type RecordedEvent struct {
	Source  string
	Type    events.EventType
	Payload map[string]any
}

// Recorder is an events.Notifier that keeps every notification.
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

func (r *Recorder) Notify(_ context.Context, source string, eventType events.EventType, payload map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, RecordedEvent{Source: source, Type: eventType, Payload: payload})
}

// Events returns the captured notifications.
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]RecordedEvent(nil), r.events...)
}

// Types returns the captured event types in order.
func (r *Recorder) Types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()

	types := make([]events.EventType, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}

	return types
}

// Count returns how many notifications of eventType were captured.
func (r *Recorder) Count(eventType events.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}

	return n
}
