package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/agents/builtin"
	"github.com/dukex/agentflow/pkg/agents/redisqueue"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/loader"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
	redispersistence "github.com/dukex/agentflow/pkg/persistence/redis"
	"github.com/dukex/agentflow/pkg/security"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/redis/go-redis/v9"
)

// ErrRedisRequired is returned when a manifest declares a redis agent but no
// redis connection is configured.
var ErrRedisRequired = errors.New("redis agents need --redis-url or a redis database url")

const defaultFlushInterval = 5 * time.Second

// Config collects the settings shared by the agentflow commands.
type Config struct {
	DatabaseURL    string
	EventBus       string
	KafkaBrokers   string
	RedisURL       string
	HealthInterval time.Duration
	FlushInterval  time.Duration
	HistorySize    int
	AuditSize      int
	SecretKey      string
	SigningKey     string
}

// Runtime is the assembled orchestration core: one store, directory, gate,
// bus and engine wired together.
type Runtime struct {
	Store     persistence.Store
	Directory *agents.Directory
	Gate      *security.Gate
	Bus       *eventbus.Bus
	Engine    *workflow.Engine

	redis         redis.UniversalClient
	ownsRedis     bool
	publisher     message.Publisher
	subscriber    message.Subscriber
	flushInterval time.Duration
	logger        *slog.Logger
}

// NewRuntime opens the configured store, transport and redis connection and
// wires the components. Close releases them.
func NewRuntime(ctx context.Context, logger *slog.Logger, cfg Config) (*Runtime, error) {
	store, err := NewPersistence(ctx, logger, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open persistence: %w", err)
	}

	rt := &Runtime{
		Store:         store,
		flushInterval: cfg.FlushInterval,
		logger:        logger.With("module", "runtime"),
	}

	if rt.flushInterval <= 0 {
		rt.flushInterval = defaultFlushInterval
	}

	err = rt.connectRedis(ctx, cfg.RedisURL)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, err
	}

	rt.publisher, rt.subscriber, err = NewEventTransport(cfg.EventBus, cfg.KafkaBrokers, logger)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, err
	}

	// The directory and the gate notify through the bus, which is built last
	// because it authorizes through the gate.
	var bus *eventbus.Bus

	notifier := events.NotifierFunc(func(ctx context.Context, source string, eventType events.EventType, payload map[string]any) {
		if bus != nil {
			bus.Notify(ctx, source, eventType, payload)
		}
	})

	directoryOpts := []agents.Option{
		agents.WithStore(store),
		agents.WithNotifier(notifier),
		agents.WithLogger(logger),
	}
	if cfg.HealthInterval > 0 {
		directoryOpts = append(directoryOpts, agents.WithHealthInterval(cfg.HealthInterval))
	}

	rt.Directory = agents.NewDirectory(directoryOpts...)

	gateOpts := []security.Option{
		security.WithPermissionLookup(rt.Directory),
		security.WithStore(store),
		security.WithNotifier(notifier),
		security.WithLogger(logger.With("module", "security_gate")),
	}
	if cfg.SecretKey != "" {
		gateOpts = append(gateOpts, security.WithSecretKey([]byte(cfg.SecretKey)))
	}

	if cfg.AuditSize > 0 {
		gateOpts = append(gateOpts, security.WithAuditSize(cfg.AuditSize))
	}

	if rt.redis != nil {
		gateOpts = append(gateOpts, security.WithCounter(security.NewRedisCounter(rt.redis)))
	}

	rt.Gate, err = security.NewGate(gateOpts...)
	if err != nil {
		_ = rt.Close(ctx)

		return nil, fmt.Errorf("failed to create security gate: %w", err)
	}

	busOpts := []eventbus.Option{
		eventbus.WithAuthorizer(rt.Gate),
		eventbus.WithStore(store),
		eventbus.WithLogger(logger.With("module", "event_bus")),
	}
	if cfg.SigningKey != "" {
		busOpts = append(busOpts, eventbus.WithSigningKey([]byte(cfg.SigningKey)))
	}

	if cfg.HistorySize > 0 {
		busOpts = append(busOpts, eventbus.WithHistorySize(cfg.HistorySize))
	}

	if rt.publisher != nil {
		busOpts = append(busOpts, eventbus.WithPublisher(rt.publisher))
	}

	bus = eventbus.New(busOpts...)
	rt.Bus = bus

	rt.Engine = workflow.NewEngine(rt.Directory,
		workflow.WithGate(rt.Gate),
		workflow.WithBus(bus),
		workflow.WithStore(store),
		workflow.WithLogger(logger),
	)

	return rt, nil
}

func (rt *Runtime) connectRedis(ctx context.Context, redisURL string) error {
	if redisURL == "" {
		if shared, ok := rt.Store.(*redispersistence.Persistence); ok {
			rt.redis = shared.Client()
		}

		return nil
	}

	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rt.redis = client
	rt.ownsRedis = true

	return nil
}

// Redis returns the shared redis client, nil when none is configured.
//
// nolint:ireturn
func (rt *Runtime) Redis() redis.UniversalClient {
	return rt.redis
}

// Restore reloads persisted event history, workflow definitions and remote
// agents. Built-in agents come from the manifest instead.
func (rt *Runtime) Restore(ctx context.Context) error {
	loadedEvents, err := rt.Bus.Load(ctx)
	if err != nil {
		return err
	}

	loadedWorkflows, err := rt.Engine.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}

	prunedAudit, err := rt.Gate.Audit().Prune(ctx)
	if err != nil {
		return fmt.Errorf("failed to prune audit log: %w", err)
	}

	restoredAgents := 0

	if rt.redis != nil {
		restoredAgents, err = rt.Directory.Restore(ctx, redisqueue.Factory(rt.redis, rt.logger))
		if err != nil {
			return fmt.Errorf("failed to restore agents: %w", err)
		}
	}

	rt.logger.InfoContext(ctx, "State restored",
		"events", loadedEvents, "workflows", loadedWorkflows, "agents", restoredAgents, "pruned_audit", prunedAudit)

	return nil
}

// Apply installs the manifest policies, then registers its agents.
func (rt *Runtime) Apply(ctx context.Context, manifest *loader.Manifest) error {
	if manifest == nil {
		return nil
	}

	for _, policy := range manifest.Policies {
		err := rt.Gate.AddPolicy(policy)
		if err != nil {
			return fmt.Errorf("policy %s: %w", policy.ID, err)
		}
	}

	for _, spec := range manifest.Agents {
		agent, err := rt.BuildAgent(spec)
		if err != nil {
			return err
		}

		_, err = rt.Directory.Register(ctx, agent, spec.Tags, spec.Capabilities)
		if err != nil {
			return fmt.Errorf("agent %s: %w", spec.ID, err)
		}
	}

	rt.logger.InfoContext(ctx, "Manifest applied",
		"policies", len(manifest.Policies), "agents", len(manifest.Agents))

	return nil
}

// BuildAgent creates the live agent a manifest entry describes. Manifest
// permissions replace the built-in defaults.
//
// nolint:ireturn
func (rt *Runtime) BuildAgent(spec loader.AgentSpec) (agents.Agent, error) {
	var agent agents.Agent

	switch spec.Kind {
	case loader.AgentKindLog:
		agent = builtin.NewLogAgent(spec.ID, rt.logger)
	case loader.AgentKindHTTP:
		agent = builtin.NewHTTPAgent(spec.ID, &http.Client{Timeout: 30 * time.Second}, rt.logger)
	case loader.AgentKindRedis:
		if rt.redis == nil {
			return nil, fmt.Errorf("agent %s: %w", spec.ID, ErrRedisRequired)
		}

		agentType := spec.Type
		if agentType == "" {
			agentType = spec.Kind
		}

		return redisqueue.NewAgent(rt.redis, spec.ID, agentType, *spec.Permissions, rt.logger).
			WithPrefix(spec.Prefix), nil
	default:
		return nil, fmt.Errorf("agent %s: %w: %s", spec.ID, loader.ErrUnknownKind, spec.Kind)
	}

	if spec.Type != "" || spec.Permissions != nil {
		return &configuredAgent{Agent: agent, agentType: spec.Type, permissions: spec.Permissions}, nil
	}

	return agent, nil
}

// RegisterWorkflows registers every definition, stopping at the first
// rejection. Definitions restored from the store are replaced.
func (rt *Runtime) RegisterWorkflows(ctx context.Context, defs []*models.WorkflowDefinition) error {
	for _, def := range defs {
		if _, exists := rt.Engine.GetWorkflow(def.ID); exists && def.ID != "" {
			rt.logger.DebugContext(ctx, "Workflow already registered", "workflow_id", def.ID)

			continue
		}

		_, err := rt.Engine.Register(ctx, def)
		if err != nil {
			return fmt.Errorf("workflow %s: %w", def.ID, err)
		}
	}

	return nil
}

// Start launches the health monitor, the event flusher, workflow triggers
// and, with a transport, the bridge that receives other processes' events.
func (rt *Runtime) Start(ctx context.Context) error {
	err := rt.Directory.StartHealthMonitor(ctx)
	if err != nil {
		return err
	}

	err = rt.Bus.StartFlusher(ctx, rt.flushInterval)
	if err != nil {
		return err
	}

	err = rt.Engine.StartTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to start triggers: %w", err)
	}

	if rt.subscriber != nil {
		err = rt.Bus.Bridge(ctx, rt.subscriber)
		if err != nil {
			return fmt.Errorf("failed to bridge event transport: %w", err)
		}
	}

	return nil
}

// Close stops background work, flushes state and releases connections.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error

	if rt.Engine != nil {
		rt.Engine.Stop()
	}

	if rt.Directory != nil {
		rt.Directory.Stop()

		errs = append(errs, rt.Directory.Save(ctx))
	}

	if rt.Bus != nil {
		errs = append(errs, rt.Bus.Stop(ctx))
	}

	if rt.subscriber != nil {
		errs = append(errs, rt.subscriber.Close())
	}

	// gochannel is both ends of the transport.
	if rt.publisher != nil && any(rt.publisher) != any(rt.subscriber) {
		errs = append(errs, rt.publisher.Close())
	}

	if rt.redis != nil && rt.ownsRedis {
		errs = append(errs, rt.redis.Close())
	}

	if rt.Store != nil {
		errs = append(errs, rt.Store.Close(ctx))
	}

	return errors.Join(errs...)
}

// configuredAgent overrides the type and permissions of a built-in agent.
type configuredAgent struct {
	agents.Agent

	agentType   string
	permissions *models.Permissions
}

func (a *configuredAgent) Type() string {
	if a.agentType != "" {
		return a.agentType
	}

	return a.Agent.Type()
}

func (a *configuredAgent) Permissions() models.Permissions {
	if a.permissions != nil {
		return *a.permissions
	}

	return a.Agent.Permissions()
}
