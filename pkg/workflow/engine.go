// Package workflow implements the workflow engine: it registers step graphs,
// runs executions against the agent directory and emits lifecycle events.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/dukex/agentflow/pkg/security"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	source     = "workflow-engine"
	scopeName  = "github.com/dukex/agentflow/pkg/workflow"
	stepLimit  = 10000
	loopLimit  = 1000
	pollPeriod = time.Second
)

// Directory is the part of the agent directory the engine dispatches through.
type Directory interface {
	SelectForTask(ctx context.Context, taskType string, req agents.Requirements) (*models.AgentRegistration, bool)
	Release(id string)
	Agent(id string) (agents.Agent, bool)
}

// TaskValidator authorizes a task before it is sent to an agent.
type TaskValidator interface {
	ValidateTaskExecution(ctx context.Context, principal string, task *models.AgentTask) security.Decision
}

// EventBus is used by event and wait steps and by event triggers.
type EventBus interface {
	Publish(ctx context.Context, event events.Event) (*eventbus.PublishResult, error)
	Subscribe(ctx context.Context, topic, principal string, handler eventbus.Handler) (string, error)
	Remove(subscriptionID string) bool
}

type engineMetrics struct {
	attempts   metric.Int64Counter
	executions metric.Int64Counter
	duration   metric.Float64Histogram
}

// Engine owns workflow definitions and their executions.
type Engine struct {
	mu          sync.RWMutex
	definitions map[string]*models.WorkflowDefinition
	order       []string
	runs        map[string]*run

	directory    Directory
	gate         TaskValidator
	bus          EventBus
	notifier     events.Notifier
	store        persistence.Store
	logger       *slog.Logger
	now          func() time.Time
	principal    string
	pollInterval time.Duration
	stepLimit    int64

	validate *validator.Validate
	tracer   trace.Tracer
	metrics  engineMetrics

	triggerMu   sync.Mutex
	triggerCtx  context.Context
	scheduler   *cron.Cron
	triggerSubs []string
}

// Option configures an Engine.
type Option func(*Engine)

// WithGate validates every task before dispatch.
func WithGate(gate TaskValidator) Option {
	return func(e *Engine) {
		e.gate = gate
	}
}

// WithBus enables event and wait-for-event steps and event triggers.
func WithBus(bus EventBus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

func WithNotifier(notifier events.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// WithStore persists definitions in the workflows collection.
func WithStore(store persistence.Store) Option {
	return func(e *Engine) {
		e.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithPrincipal sets the identity used to publish and subscribe on the bus.
func WithPrincipal(principal string) Option {
	return func(e *Engine) {
		e.principal = principal
	}
}

// WithPollInterval sets how often wait steps re-check their condition.
func WithPollInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.pollInterval = interval
		}
	}
}

// WithStepLimit caps step attempts per execution.
func WithStepLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.stepLimit = int64(limit)
		}
	}
}

// NewEngine creates an engine dispatching task steps through directory.
func NewEngine(directory Directory, opts ...Option) *Engine {
	e := &Engine{
		definitions:  make(map[string]*models.WorkflowDefinition),
		runs:         make(map[string]*run),
		directory:    directory,
		logger:       slog.Default(),
		now:          time.Now,
		principal:    security.SystemPrincipal,
		pollInterval: pollPeriod,
		stepLimit:    stepLimit,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		tracer:       otelhelper.Tracer(scopeName),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.notifier == nil {
		if n, ok := e.bus.(events.Notifier); ok {
			e.notifier = n
		} else {
			e.notifier = events.Nop
		}
	}

	e.logger = e.logger.With("module", "workflow_engine")
	e.metrics = newEngineMetrics(e.logger)

	return e
}

func newEngineMetrics(logger *slog.Logger) engineMetrics {
	meter := otel.Meter(scopeName)

	attempts, err := meter.Int64Counter("agentflow.workflow.step_attempts",
		metric.WithDescription("Step attempts by kind and outcome"))
	if err != nil {
		logger.Warn("Failed to create step attempt counter", "error", err)
	}

	executions, err := meter.Int64Counter("agentflow.workflow.executions",
		metric.WithDescription("Finished executions by status"))
	if err != nil {
		logger.Warn("Failed to create execution counter", "error", err)
	}

	duration, err := meter.Float64Histogram("agentflow.workflow.step_duration",
		metric.WithDescription("Step attempt duration"), metric.WithUnit("ms"))
	if err != nil {
		logger.Warn("Failed to create step duration histogram", "error", err)
	}

	return engineMetrics{attempts: attempts, executions: executions, duration: duration}
}

// Register validates and stores a definition and returns its id.
func (e *Engine) Register(ctx context.Context, def *models.WorkflowDefinition) (string, error) {
	if def == nil {
		return "", apperr.New(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition, "definition is required")
	}

	stored, err := cloneDefinition(def)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition, err)
	}

	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}

	if err := e.validateDefinition(stored); err != nil {
		return "", err
	}

	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = e.now()
	}

	if err := e.add(stored); err != nil {
		return "", err
	}

	if e.store != nil {
		if err := persistence.PutJSON(ctx, e.store, persistence.CollectionWorkflows, stored.ID, stored); err != nil {
			e.remove(stored.ID)

			return "", fmt.Errorf("failed to persist workflow %s: %w", stored.ID, err)
		}
	}

	e.logger.InfoContext(ctx, "Workflow registered", "workflow_id", stored.ID, "steps", len(stored.Steps))
	e.notifier.Notify(ctx, source, events.WorkflowRegistered, map[string]any{
		"workflow_id": stored.ID,
		"name":        stored.Name,
		"version":     stored.Version,
	})

	if err := e.armTriggers(stored); err != nil {
		e.logger.ErrorContext(ctx, "Failed to arm workflow triggers", "workflow_id", stored.ID, "error", err)
	}

	return stored.ID, nil
}

func (e *Engine) add(def *models.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.definitions[def.ID]; exists {
		return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeWorkflowExists, "workflow %s already registered", def.ID)
	}

	e.definitions[def.ID] = def
	e.order = append(e.order, def.ID)

	return nil
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.definitions, id)

	for i, existing := range e.order {
		if existing == id {
			e.order = append(e.order[:i], e.order[i+1:]...)

			break
		}
	}
}

// Load registers the definitions persisted in the store. Ids already
// registered are skipped.
func (e *Engine) Load(ctx context.Context) (int, error) {
	if e.store == nil {
		return 0, nil
	}

	stored, err := persistence.ListJSON[models.WorkflowDefinition](ctx, e.store, persistence.CollectionWorkflows)
	if err != nil {
		return 0, fmt.Errorf("failed to load workflows: %w", err)
	}

	loaded := 0

	for _, def := range stored {
		if err := e.validateDefinition(def); err != nil {
			e.logger.WarnContext(ctx, "Skipping invalid stored workflow", "workflow_id", def.ID, "error", err)

			continue
		}

		if err := e.add(def); err != nil {
			continue
		}

		if err := e.armTriggers(def); err != nil {
			e.logger.ErrorContext(ctx, "Failed to arm workflow triggers", "workflow_id", def.ID, "error", err)
		}

		loaded++
	}

	e.logger.InfoContext(ctx, "Workflows loaded", "count", loaded)

	return loaded, nil
}

// GetWorkflow returns a copy of a registered definition.
func (e *Engine) GetWorkflow(id string) (*models.WorkflowDefinition, bool) {
	e.mu.RLock()
	def, ok := e.definitions[id]
	e.mu.RUnlock()

	if !ok {
		return nil, false
	}

	out, err := cloneDefinition(def)
	if err != nil {
		return nil, false
	}

	return out, true
}

// ListWorkflows returns copies of all definitions in registration order.
func (e *Engine) ListWorkflows() []*models.WorkflowDefinition {
	e.mu.RLock()
	ids := append([]string(nil), e.order...)
	e.mu.RUnlock()

	out := make([]*models.WorkflowDefinition, 0, len(ids))

	for _, id := range ids {
		if def, ok := e.GetWorkflow(id); ok {
			out = append(out, def)
		}
	}

	return out
}

// Execute starts an execution of workflowID and returns its id without
// waiting for it to finish. Caller variables override the defaults.
func (e *Engine) Execute(ctx context.Context, workflowID string, variables map[string]any) (string, error) {
	const op = "workflow.Execute"

	e.mu.RLock()
	def, ok := e.definitions[workflowID]
	e.mu.RUnlock()

	if !ok {
		return "", apperr.Newf(apperr.KindNotFound, op, apperr.CodeWorkflowNotFound, "workflow %s not found", workflowID)
	}

	vars := cloneMap(def.Variables)
	for k, v := range cloneMap(variables) {
		vars[k] = v
	}

	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	r := &run{
		def: def,
		execution: models.Execution{
			ID:         id,
			WorkflowID: workflowID,
			Status:     models.ExecutionStatusPending,
			Results:    make(map[string]any),
			Variables:  vars,
			Path:       []string{},
			StartedAt:  e.now(),
		},
		inflight: make(map[string]inflightTask),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   e.logger.With("execution_id", id, "workflow_id", workflowID),
	}

	e.mu.Lock()
	e.runs[id] = r
	e.mu.Unlock()

	payload := map[string]any{"execution_id": id, "workflow_id": workflowID}

	e.notifier.Notify(ctx, source, events.WorkflowStarted, payload)

	// A workflow:started subscriber may cancel before the walk begins.
	if !r.start() {
		r.cancel()
		close(r.done)

		return id, nil
	}

	e.notifier.Notify(ctx, source, events.WorkflowRunning, payload)
	r.logger.InfoContext(ctx, "Execution started")

	go e.execute(r)

	return id, nil
}

func (e *Engine) lookup(id string) (*run, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	r, ok := e.runs[id]

	return r, ok
}

// Cancel stops a running execution. It returns false when the execution is
// unknown or already terminal.
func (e *Engine) Cancel(ctx context.Context, executionID string) bool {
	r, ok := e.lookup(executionID)
	if !ok {
		return false
	}

	inflight, ok := r.markCancelled(e.now())
	if !ok {
		return false
	}

	r.cancel()

	for _, task := range inflight {
		e.cancelAgentTask(ctx, r, task)
	}

	r.logger.InfoContext(ctx, "Execution cancelled", "inflight_tasks", len(inflight))
	e.countExecution(ctx, models.ExecutionStatusCancelled)
	e.notifier.Notify(ctx, source, events.WorkflowCancelled, map[string]any{
		"execution_id": executionID,
		"workflow_id":  r.def.ID,
	})

	return true
}

func (e *Engine) cancelAgentTask(ctx context.Context, r *run, task inflightTask) {
	agent, ok := e.directory.Agent(task.agentID)
	if !ok {
		return
	}

	cancelCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if _, err := agent.CancelTask(cancelCtx, task.taskID); err != nil {
		r.logger.WarnContext(ctx, "Failed to cancel agent task", "agent_id", task.agentID, "task_id", task.taskID, "error", err)
	}
}

// GetExecution returns a snapshot of an execution.
func (e *Engine) GetExecution(id string) (*models.Execution, bool) {
	r, ok := e.lookup(id)
	if !ok {
		return nil, false
	}

	return r.snapshot(), true
}

// GetStepHistory returns every step attempt of an execution in start order.
func (e *Engine) GetStepHistory(id string) ([]models.StepExecution, bool) {
	r, ok := e.lookup(id)
	if !ok {
		return nil, false
	}

	return r.history(), true
}

// ListExecutions returns snapshots of the executions of workflowID, or of
// every execution when workflowID is empty, oldest first.
func (e *Engine) ListExecutions(workflowID string) []*models.Execution {
	e.mu.RLock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		if workflowID == "" || r.def.ID == workflowID {
			runs = append(runs, r)
		}
	}
	e.mu.RUnlock()

	out := make([]*models.Execution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })

	return out
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (*models.Execution, error) {
	r, ok := e.lookup(executionID)
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "workflow.Wait", apperr.CodeExecutionNotFound, "execution %s not found", executionID)
	}

	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func cloneDefinition(def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return nil, err
	}

	var out models.WorkflowDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}

	return &out, nil
}

// cloneAny deep copies the JSON-like shapes stored in variables and results.
func cloneAny(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneAny(item)
		}

		return out
	default:
		return v
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneAny(v)
	}

	return out
}
