package agents

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

const (
	source                = "agent-directory"
	defaultHealthInterval = 30 * time.Second
)

type entry struct {
	agent        Agent
	registration models.AgentRegistration
}

// Query filters Discover results. Tags and capabilities must all match.
type Query struct {
	Type             string
	Tags             []string
	Capabilities     []string
	IncludeUnhealthy bool
	Strategy         Strategy
}

// Requirements narrow SelectForTask candidates.
type Requirements struct {
	Capability string
	AgentType  string
	Tags       []string
	Strategy   Strategy
}

// Directory is the registry of worker agents.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []string
	cursor  uint64
	rng     *rand.Rand

	notifier       events.Notifier
	store          persistence.Store
	logger         *slog.Logger
	now            func() time.Time
	healthInterval time.Duration

	cronMu    sync.Mutex
	scheduler *cron.Cron
}

// Option configures a Directory.
type Option func(*Directory)

// WithNotifier sets where lifecycle notifications are sent.
func WithNotifier(notifier events.Notifier) Option {
	return func(d *Directory) {
		d.notifier = notifier
	}
}

// WithStore persists registrations in the agents collection.
func WithStore(store persistence.Store) Option {
	return func(d *Directory) {
		d.store = store
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Directory) {
		d.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		d.now = now
	}
}

// WithHealthInterval sets the sweep period.
func WithHealthInterval(interval time.Duration) Option {
	return func(d *Directory) {
		if interval > 0 {
			d.healthInterval = interval
		}
	}
}

// WithRandSeed makes the random strategy deterministic.
func WithRandSeed(seed uint64) Option {
	return func(d *Directory) {
		d.rng = rand.New(rand.NewPCG(seed, seed))
	}
}

// NewDirectory creates an empty directory.
func NewDirectory(opts ...Option) *Directory {
	d := &Directory{
		entries:        make(map[string]*entry),
		rng:            rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		notifier:       events.Nop,
		logger:         slog.Default(),
		now:            time.Now,
		healthInterval: defaultHealthInterval,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.logger = d.logger.With("module", "agent_directory")

	return d
}

// HealthInterval returns the configured sweep period.
func (d *Directory) HealthInterval() time.Duration {
	return d.healthInterval
}

// Register adds an agent. The agent's declared permissions are captured at
// registration time.
func (d *Directory) Register(ctx context.Context, agent Agent, tags, capabilities []string) (*models.AgentRegistration, error) {
	return d.register(ctx, agent, models.AgentRegistration{
		Tags:         slices.Clone(tags),
		Capabilities: slices.Clone(capabilities),
	})
}

func (d *Directory) register(ctx context.Context, agent Agent, base models.AgentRegistration) (*models.AgentRegistration, error) {
	if agent == nil || agent.ID() == "" {
		return nil, apperr.New(apperr.KindValidation, "agents.Register", apperr.CodeInvalidDefinition, "agent id is required")
	}

	now := d.now()

	registration := base
	registration.ID = agent.ID()
	registration.Type = agent.Type()
	registration.Permissions = agent.Permissions()
	registration.Load = 0

	if remote, ok := agent.(Remote); ok {
		registration.Endpoint = remote.Endpoint()
	}
	registration.LastSeen = now

	if registration.Tags == nil {
		registration.Tags = []string{}
	}

	if registration.Capabilities == nil {
		registration.Capabilities = []string{}
	}

	if registration.RegisteredAt.IsZero() {
		registration.RegisteredAt = now
	}

	if registration.Health.Timestamp.IsZero() {
		registration.Health = models.AgentHealth{Healthy: true, Timestamp: now, Metrics: registration.Metrics}
	}

	d.mu.Lock()
	if _, exists := d.entries[registration.ID]; exists {
		d.mu.Unlock()

		return nil, apperr.Newf(apperr.KindValidation, "agents.Register", apperr.CodeAgentExists,
			"agent %s is already registered", registration.ID)
	}

	d.entries[registration.ID] = &entry{agent: agent, registration: registration}
	d.order = append(d.order, registration.ID)
	snapshot := cloneRegistration(&registration)
	d.mu.Unlock()

	d.logger.InfoContext(ctx, "Agent registered", "agent_id", registration.ID, "type", registration.Type)
	d.persist(ctx, snapshot)
	d.notifier.Notify(ctx, source, events.AgentRegistered, map[string]any{
		"agent_id":     registration.ID,
		"type":         registration.Type,
		"tags":         snapshot.Tags,
		"capabilities": snapshot.Capabilities,
	})

	return snapshot, nil
}

// Unregister removes an agent; false if it was unknown.
func (d *Directory) Unregister(ctx context.Context, id string) bool {
	d.mu.Lock()
	if _, exists := d.entries[id]; !exists {
		d.mu.Unlock()

		return false
	}

	delete(d.entries, id)
	d.order = slices.DeleteFunc(d.order, func(existing string) bool { return existing == id })
	d.mu.Unlock()

	if d.store != nil {
		err := d.store.Delete(ctx, persistence.CollectionAgents, id)
		if err != nil && !persistence.IsNotFound(err) {
			d.logger.WarnContext(ctx, "Failed to delete agent registration", "agent_id", id, "error", err)
		}
	}

	d.logger.InfoContext(ctx, "Agent unregistered", "agent_id", id)
	d.notifier.Notify(ctx, source, events.AgentUnregistered, map[string]any{"agent_id": id})

	return true
}

// Get returns a snapshot of a registration.
func (d *Directory) Get(id string) (*models.AgentRegistration, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}

	return cloneRegistration(&e.registration), true
}

// Agent returns the live agent instance.
func (d *Directory) Agent(id string) (Agent, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return nil, false
	}

	return e.agent, true
}

// Permissions returns the declared permission set of a registered agent.
func (d *Directory) Permissions(id string) (models.Permissions, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, ok := d.entries[id]
	if !ok {
		return models.Permissions{}, false
	}

	return e.registration.Permissions, true
}

// List returns every registration in registration order.
func (d *Directory) List() []*models.AgentRegistration {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*models.AgentRegistration, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, cloneRegistration(&d.entries[id].registration))
	}

	return out
}

// Discover returns the registrations matching q in registration order. With
// a strategy set, the chosen candidate is moved to the front.
func (d *Directory) Discover(q Query) []*models.AgentRegistration {
	d.mu.Lock()
	defer d.mu.Unlock()

	candidates := d.filter(q, "")

	if q.Strategy != "" && len(candidates) > 1 {
		chosen := d.pick(candidates, q.Strategy)
		first := candidates[chosen]
		rest := slices.Delete(candidates, chosen, chosen+1)
		candidates = append([]*entry{first}, rest...)
	}

	out := make([]*models.AgentRegistration, 0, len(candidates))
	for _, candidate := range candidates {
		out = append(out, cloneRegistration(&candidate.registration))
	}

	return out
}

// filter walks entries in registration order. A non-empty taskType also
// requires the agent's permission set to grant it.
func (d *Directory) filter(q Query, taskType string) []*entry {
	candidates := make([]*entry, 0, len(d.order))

	for _, id := range d.order {
		e := d.entries[id]
		registration := &e.registration

		if q.Type != "" && registration.Type != q.Type {
			continue
		}

		if !containsAll(registration.Tags, q.Tags) || !containsAll(registration.Capabilities, q.Capabilities) {
			continue
		}

		if !q.IncludeUnhealthy && !registration.Health.Healthy {
			continue
		}

		if taskType != "" && !registration.Permissions.AllowsTaskType(taskType) {
			continue
		}

		candidates = append(candidates, e)
	}

	return candidates
}

// SelectForTask picks an agent allowed to run taskType and increments its
// load counter. Callers must Release the agent after dispatch.
func (d *Directory) SelectForTask(ctx context.Context, taskType string, req Requirements) (*models.AgentRegistration, bool) {
	strategy := req.Strategy
	if strategy == "" {
		strategy = StrategyLeastLoaded
	}

	q := Query{Type: req.AgentType, Tags: req.Tags}
	if req.Capability != "" {
		q.Capabilities = []string{req.Capability}
	}

	d.mu.Lock()
	candidates := d.filter(q, taskType)

	chosen := d.pick(candidates, strategy)
	if chosen < 0 {
		d.mu.Unlock()

		return nil, false
	}

	selected := candidates[chosen]
	selected.registration.Load++
	snapshot := cloneRegistration(&selected.registration)
	d.mu.Unlock()

	d.logger.DebugContext(ctx, "Agent selected", "agent_id", snapshot.ID, "task_type", taskType, "strategy", strategy)
	d.notifier.Notify(ctx, source, events.AgentSelected, map[string]any{
		"agent_id":  snapshot.ID,
		"task_type": taskType,
		"strategy":  string(strategy),
		"load":      snapshot.Load,
	})

	return snapshot, true
}

// Release decrements the load counter taken by SelectForTask.
func (d *Directory) Release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[id]; ok && e.registration.Load > 0 {
		e.registration.Load--
	}
}

// Distribute selects an agent for taskType and runs the task on it.
func (d *Directory) Distribute(ctx context.Context, taskType string, payload map[string]any) (*models.TaskResult, error) {
	const op = "agents.Distribute"

	registration, ok := d.SelectForTask(ctx, taskType, Requirements{})
	if !ok {
		return nil, apperr.Newf(apperr.KindDispatch, op, apperr.CodeNoSuitableAgent, "no suitable agent for task type %s", taskType)
	}

	defer d.Release(registration.ID)

	agent, ok := d.Agent(registration.ID)
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, op, apperr.CodeAgentNotFound, "agent %s disappeared", registration.ID)
	}

	task := NewTask(taskType, payload)

	result, err := agent.ExecuteTask(ctx, task)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindAgentExecution, op, apperr.CodeTaskFailed, err)
	}

	if result == nil || !result.Success {
		message := "agent reported failure"
		if result != nil && result.Error != "" {
			message = result.Error
		}

		return result, apperr.New(apperr.KindAgentExecution, op, apperr.CodeTaskFailed, message)
	}

	return result, nil
}

// ReportHealth records health pushed by the agent itself.
func (d *Directory) ReportHealth(ctx context.Context, id string, health models.AgentHealth) error {
	now := d.now()

	d.mu.Lock()
	e, ok := d.entries[id]
	if !ok {
		d.mu.Unlock()

		return apperr.Newf(apperr.KindNotFound, "agents.ReportHealth", apperr.CodeAgentNotFound, "agent %s not found", id)
	}

	previous := e.registration.Health.Healthy
	health.Timestamp = now
	e.registration.Health = health
	e.registration.Metrics = health.Metrics
	e.registration.LastSeen = now
	d.mu.Unlock()

	if previous != health.Healthy {
		d.notifyHealthChanged(ctx, id, health)
	}

	return nil
}

func (d *Directory) notifyHealthChanged(ctx context.Context, id string, health models.AgentHealth) {
	d.logger.InfoContext(ctx, "Agent health changed", "agent_id", id, "healthy", health.Healthy, "reason", health.Reason)
	d.notifier.Notify(ctx, source, events.AgentHealthChanged, map[string]any{
		"agent_id": id,
		"healthy":  health.Healthy,
		"reason":   health.Reason,
	})
}

func (d *Directory) persist(ctx context.Context, registration *models.AgentRegistration) {
	if d.store == nil {
		return
	}

	err := persistence.PutJSON(ctx, d.store, persistence.CollectionAgents, registration.ID, registration)
	if err != nil {
		d.logger.WarnContext(ctx, "Failed to persist agent registration", "agent_id", registration.ID, "error", err)
	}
}

// Save writes every registration to the store.
func (d *Directory) Save(ctx context.Context) error {
	if d.store == nil {
		return nil
	}

	for _, registration := range d.List() {
		err := persistence.PutJSON(ctx, d.store, persistence.CollectionAgents, registration.ID, registration)
		if err != nil {
			return err
		}
	}

	return nil
}

// Restore re-registers persisted agents that are not registered yet, using
// factory to rebuild live instances. Registrations the factory cannot
// rebuild are skipped. It returns the number restored.
func (d *Directory) Restore(ctx context.Context, factory Factory) (int, error) {
	if d.store == nil || factory == nil {
		return 0, nil
	}

	registrations, err := persistence.ListJSON[models.AgentRegistration](ctx, d.store, persistence.CollectionAgents)
	if err != nil {
		return 0, err
	}

	restored := 0

	for _, registration := range registrations {
		if _, exists := d.Get(registration.ID); exists {
			continue
		}

		agent, err := factory(ctx, registration)
		if err != nil {
			d.logger.WarnContext(ctx, "Skipping persisted agent", "agent_id", registration.ID, "error", err)

			continue
		}

		if agent == nil {
			continue
		}

		_, err = d.register(ctx, agent, *registration)
		if err != nil {
			d.logger.WarnContext(ctx, "Failed to restore agent", "agent_id", registration.ID, "error", err)

			continue
		}

		restored++
	}

	return restored, nil
}

func containsAll(have, want []string) bool {
	for _, w := range want {
		if !slices.Contains(have, w) {
			return false
		}
	}

	return true
}

func cloneRegistration(r *models.AgentRegistration) *models.AgentRegistration {
	out := *r
	out.Tags = slices.Clone(r.Tags)
	out.Capabilities = slices.Clone(r.Capabilities)
	out.Permissions = models.Permissions{
		TaskTypes: slices.Clone(r.Permissions.TaskTypes),
		Secrets:   slices.Clone(r.Permissions.Secrets),
		Topics:    slices.Clone(r.Permissions.Topics),
		Actions:   slices.Clone(r.Permissions.Actions),
	}

	if r.Endpoint != nil {
		endpoint := *r.Endpoint
		out.Endpoint = &endpoint
	}

	return &out
}
