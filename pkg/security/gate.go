// Package security implements the policy gate: rule evaluation, principal
// quarantine, the secret vault, secret scanning and the audit log.
package security

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/persistence"
)

const source = "security-gate"

// SystemPrincipal is the identity used by the core for its own actions.
const SystemPrincipal = "system"

// TopicOp is the operation checked by AuthorizeTopic.
type TopicOp string

const (
	TopicPublish   TopicOp = "publish"
	TopicSubscribe TopicOp = "subscribe"
)

// PermissionLookup resolves the declared permissions of a principal. The
// agent directory implements it.
type PermissionLookup interface {
	Permissions(id string) (models.Permissions, bool)
}

// Decision is the outcome of a validation.
type Decision struct {
	Allowed          bool             `json:"allowed"`
	Reason           string           `json:"reason"`
	RequiresApproval bool             `json:"requires_approval"`
	Risk             models.RiskLevel `json:"risk"`
	PolicyID         string           `json:"policy_id,omitempty"`
	RuleID           string           `json:"rule_id,omitempty"`
	SecretsFound     int              `json:"secrets_found,omitempty"`
}

// Err converts a denial into a PermissionError. It returns nil when allowed.
func (d Decision) Err(op string) error {
	if d.Allowed {
		return nil
	}

	return apperr.New(apperr.KindPermission, op, apperr.CodeAccessDenied, d.Reason)
}

type quarantineRecord struct {
	Reason string
	Since  time.Time
}

// Gate evaluates every action of the orchestration core.
type Gate struct {
	mu          sync.RWMutex
	policies    []*compiledPolicy
	quarantined map[string]quarantineRecord
	trusted     map[string]bool

	vaultMu   sync.RWMutex
	secrets   map[string]*cachedSecret
	secretKey []byte

	permissions PermissionLookup
	counter     Counter
	audit       *AuditLog
	auditSize   int
	auditSink   AuditSink
	store       persistence.Store
	notifier    events.Notifier
	logger      *slog.Logger
	now         func() time.Time
	masterKey   []byte
}

// Option configures a Gate.
type Option func(*Gate)

// WithPermissionLookup sets where principal permissions come from.
func WithPermissionLookup(lookup PermissionLookup) Option {
	return func(g *Gate) {
		g.permissions = lookup
	}
}

// WithCounter replaces the in-memory rate counter.
func WithCounter(counter Counter) Option {
	return func(g *Gate) {
		g.counter = counter
	}
}

func WithNotifier(notifier events.Notifier) Option {
	return func(g *Gate) {
		g.notifier = notifier
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger.With("module", "security_gate")
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// WithStore persists secrets, and audit entries unless another sink is set.
func WithStore(store persistence.Store) Option {
	return func(g *Gate) {
		g.store = store
	}
}

// WithAuditSink sets where audit entries are persisted.
func WithAuditSink(sink AuditSink) Option {
	return func(g *Gate) {
		g.auditSink = sink
	}
}

// WithAuditSize bounds the in-memory audit ring.
func WithAuditSize(size int) Option {
	return func(g *Gate) {
		g.auditSize = size
	}
}

// WithSecretKey sets the master key the vault key is derived from.
func WithSecretKey(key []byte) Option {
	return func(g *Gate) {
		g.masterKey = key
	}
}

// WithTrustedPrincipals adds principals that pass topic checks and may read
// any secret. SystemPrincipal is always trusted.
func WithTrustedPrincipals(ids ...string) Option {
	return func(g *Gate) {
		for _, id := range ids {
			g.trusted[id] = true
		}
	}
}

// NewGate creates a gate. Without a secret key a random one is generated and
// secrets do not survive a restart.
func NewGate(opts ...Option) (*Gate, error) {
	g := &Gate{
		quarantined: make(map[string]quarantineRecord),
		trusted:     map[string]bool{SystemPrincipal: true},
		secrets:     make(map[string]*cachedSecret),
		counter:     NewMemoryCounter(),
		notifier:    events.Nop,
		logger:      slog.Default().With("module", "security_gate"),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(g)
	}

	if len(g.masterKey) == 0 {
		g.logger.Warn("No secret key configured, generating an ephemeral one")

		g.masterKey = make([]byte, 32)
		if _, err := rand.Read(g.masterKey); err != nil {
			return nil, fmt.Errorf("failed to generate secret key: %w", err)
		}
	}

	key, err := deriveKey(g.masterKey)
	if err != nil {
		return nil, err
	}

	g.secretKey = key

	sink := g.auditSink
	if sink == nil && g.store != nil {
		sink = StoreSink{Store: g.store}
	}

	g.audit = NewAuditLog(g.auditSize, sink, g.logger)

	return g, nil
}

// AddPolicy installs or replaces a policy.
func (g *Gate) AddPolicy(policy Policy) error {
	compiled, err := compilePolicy(policy)
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, "security.AddPolicy", apperr.CodeInvalidDefinition, err)
	}

	if !policy.Enabled {
		g.logger.Warn("Policy added disabled; its rules are skipped", "policy_id", policy.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i, existing := range g.policies {
		if existing.ID == policy.ID {
			g.policies[i] = compiled

			return nil
		}
	}

	g.policies = append(g.policies, compiled)

	return nil
}

// RemovePolicy deletes a policy by id.
func (g *Gate) RemovePolicy(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, existing := range g.policies {
		if existing.ID == id {
			g.policies = append(g.policies[:i], g.policies[i+1:]...)

			return true
		}
	}

	return false
}

// Policies returns the installed policies.
func (g *Gate) Policies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Policy, 0, len(g.policies))
	for _, p := range g.policies {
		out = append(out, p.Policy)
	}

	return out
}

// IsTrusted reports whether principal is in the trusted set.
func (g *Gate) IsTrusted(principal string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.trusted[principal]
}

// Audit returns the audit log.
func (g *Gate) Audit() *AuditLog {
	return g.audit
}

// Validate evaluates the policies applicable to principal, action and
// resource. A quarantined principal is always denied.
func (g *Gate) Validate(ctx context.Context, principal, action, resource string, metadata map[string]any) Decision {
	decision := g.evaluate(ctx, principal, action, resource, metadata)
	g.recordDecision(ctx, principal, action, resource, metadata, decision)

	return decision
}

// quarantineDecision returns the critical denial for a quarantined
// principal.
func (g *Gate) quarantineDecision(principal string) (Decision, bool) {
	g.mu.RLock()
	record, quarantined := g.quarantined[principal]
	g.mu.RUnlock()

	if !quarantined {
		return Decision{}, false
	}

	return Decision{
		Allowed: false,
		Reason:  fmt.Sprintf("principal is quarantined: %s", record.Reason),
		Risk:    models.RiskCritical,
	}, true
}

func (g *Gate) evaluate(ctx context.Context, principal, action, resource string, metadata map[string]any) Decision {
	if decision, ok := g.quarantineDecision(principal); ok {
		return decision
	}

	g.mu.RLock()

	var rules []*compiledRule

	for _, policy := range g.policies {
		if policy.applies(principal, action, resource) {
			rules = append(rules, policy.rules...)
		}
	}
	g.mu.RUnlock()

	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority > rules[j].Priority })

	decision := Decision{Allowed: true, Reason: "no policy rule triggered", Risk: models.RiskLow}

	for _, rule := range rules {
		triggered, reason := g.triggered(ctx, rule, principal, action, metadata)
		if !triggered {
			continue
		}

		switch rule.Effect {
		case EffectDeny:
			return Decision{
				Allowed:  false,
				Reason:   reason,
				Risk:     rule.risk(),
				PolicyID: rule.policyID,
				RuleID:   rule.ID,
			}
		case EffectRequireApproval:
			decision = Decision{
				Allowed:          true,
				RequiresApproval: true,
				Reason:           reason,
				Risk:             rule.risk(),
				PolicyID:         rule.policyID,
				RuleID:           rule.ID,
			}
		case EffectAllow:
			if !decision.RequiresApproval {
				decision.Reason = reason
				decision.PolicyID = rule.policyID
				decision.RuleID = rule.ID
			}
		}
	}

	return decision
}

func (g *Gate) triggered(ctx context.Context, rule *compiledRule, principal, action string, metadata map[string]any) (bool, string) {
	switch rule.Type {
	case RulePermission:
		if g.IsTrusted(principal) {
			return false, ""
		}

		perms, ok := g.lookup(principal)
		if !ok || !perms.AllowsAction(action) {
			return true, fmt.Sprintf("principal %s lacks permission for action %s", principal, action)
		}
	case RuleRateLimit:
		window := rule.Window.Std()

		count, err := g.counter.Incr(ctx, principal+":"+action, window, g.now())
		if err != nil {
			g.logger.WarnContext(ctx, "Rate counter unavailable", "principal", principal, "action", action, "error", err)

			return false, ""
		}

		if count > int64(rule.MaxRequests) {
			return true, fmt.Sprintf("rate limit exceeded: %d requests in %s (max %d)", count, window, rule.MaxRequests)
		}
	case RuleResourceLimit:
		if rule.MaxMemoryMB > 0 {
			if memory, ok := number(metadata["memoryMB"]); ok && memory > rule.MaxMemoryMB {
				return true, fmt.Sprintf("memory %.0fMB exceeds limit %.0fMB", memory, rule.MaxMemoryMB)
			}
		}

		if rule.MaxExecutionTime > 0 {
			elapsed, err := models.ParseDuration(metadata["executionTime"])
			if err == nil && elapsed > rule.MaxExecutionTime.Std() {
				return true, fmt.Sprintf("execution time %s exceeds limit %s", elapsed, rule.MaxExecutionTime)
			}
		}
	case RuleContentFilter:
		if content, ok := metadata["content"].(string); ok {
			return rule.contentViolation(content)
		}
	}

	return false, ""
}

func (g *Gate) lookup(principal string) (models.Permissions, bool) {
	if g.permissions == nil {
		return models.Permissions{}, false
	}

	return g.permissions.Permissions(principal)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	}

	return 0, false
}

// recordDecision writes the audit entry and reports denials.
func (g *Gate) recordDecision(ctx context.Context, principal, action, resource string, metadata map[string]any, decision Decision) {
	entry := g.audit.Append(ctx, models.AuditEntry{
		Timestamp:        g.now(),
		Principal:        principal,
		Action:           action,
		Resource:         resource,
		Allowed:          decision.Allowed,
		RequiresApproval: decision.RequiresApproval,
		Reason:           decision.Reason,
		Risk:             decision.Risk,
		Metadata:         auditMetadata(metadata),
	})

	if decision.Allowed {
		return
	}

	g.logger.WarnContext(ctx, "Action denied",
		"principal", principal, "action", action, "resource", resource,
		"reason", decision.Reason, "risk", decision.Risk)

	g.notifier.Notify(ctx, source, events.SecurityValidation, map[string]any{
		"audit_id":  entry.ID,
		"principal": principal,
		"action":    action,
		"resource":  resource,
		"allowed":   false,
		"reason":    decision.Reason,
		"risk":      string(decision.Risk),
	})
}

// auditMetadata drops bulky content from the audit copy.
func auditMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}

	out := make(map[string]any, len(metadata))

	for k, v := range metadata {
		if k == "content" {
			continue
		}

		out[k] = v
	}

	return out
}

// ValidateTaskExecution checks that principal may run task: the task type
// must be in its permission set, then the execute_task action is validated.
// The payload is scanned for leaked secrets.
func (g *Gate) ValidateTaskExecution(ctx context.Context, principal string, task *models.AgentTask) Decision {
	const action = "execute_task"

	resource := "task:" + task.Type

	metadata := map[string]any{
		"taskId":   task.ID,
		"taskType": task.Type,
	}

	if task.ExecutionID != "" {
		metadata["executionId"] = task.ExecutionID
		metadata["stepId"] = task.StepID
	}

	for k, v := range task.Metadata {
		metadata[k] = v
	}

	content, err := json.Marshal(task.Payload)
	if err == nil {
		if _, ok := metadata["content"]; !ok {
			metadata["content"] = string(content)
		}
	}

	if !g.IsTrusted(principal) {
		perms, ok := g.lookup(principal)
		if !ok || !perms.AllowsTaskType(task.Type) {
			decision := Decision{
				Allowed: false,
				Reason:  fmt.Sprintf("task type %s not permitted for %s", task.Type, principal),
				Risk:    models.RiskHigh,
			}
			g.recordDecision(ctx, principal, action, resource, metadata, decision)

			return decision
		}
	}

	decision := g.Validate(ctx, principal, action, resource, metadata)

	if err == nil {
		decision.SecretsFound = len(g.ScanForSecrets(ctx, string(content)))
	}

	return decision
}

// AuthorizeTopic checks whether principal may publish or subscribe to topic.
// Trusted principals always pass without an audit entry.
func (g *Gate) AuthorizeTopic(ctx context.Context, principal string, op TopicOp, topic string) Decision {
	resource := "topic:" + topic

	if decision, ok := g.quarantineDecision(principal); ok {
		g.recordDecision(ctx, principal, string(op), resource, nil, decision)

		return decision
	}

	if g.IsTrusted(principal) {
		return Decision{Allowed: true, Reason: "trusted principal", Risk: models.RiskLow}
	}

	perms, ok := g.lookup(principal)
	if !ok || !perms.AllowsTopic(topic) {
		decision := Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("principal %s may not %s on topic %s", principal, op, topic),
			Risk:    models.RiskMedium,
		}
		g.recordDecision(ctx, principal, string(op), resource, nil, decision)

		return decision
	}

	return g.Validate(ctx, principal, string(op), resource, nil)
}

// TopicAllowed is the unaudited check used when delivering events: the
// principal is not quarantined, and is trusted or granted the topic.
func (g *Gate) TopicAllowed(principal, topic string) bool {
	if g.IsQuarantined(principal) {
		return false
	}

	if g.IsTrusted(principal) {
		return true
	}

	perms, ok := g.lookup(principal)

	return ok && perms.AllowsTopic(topic)
}

// Quarantine blocks every action of principal until Release.
func (g *Gate) Quarantine(ctx context.Context, principal, reason string) {
	g.mu.Lock()
	g.quarantined[principal] = quarantineRecord{Reason: reason, Since: g.now()}
	g.mu.Unlock()

	g.audit.Append(ctx, models.AuditEntry{
		Timestamp: g.now(),
		Principal: principal,
		Action:    "quarantine",
		Resource:  "principal:" + principal,
		Allowed:   true,
		Reason:    reason,
		Risk:      models.RiskCritical,
	})

	g.logger.WarnContext(ctx, "Principal quarantined", "principal", principal, "reason", reason)
	g.notifier.Notify(ctx, source, events.SecurityAgentQuarantined, map[string]any{
		"principal": principal,
		"reason":    reason,
	})
}

// Release lifts a quarantine. It returns false if principal was not
// quarantined.
func (g *Gate) Release(ctx context.Context, principal, reason string) bool {
	g.mu.Lock()
	_, ok := g.quarantined[principal]
	delete(g.quarantined, principal)
	g.mu.Unlock()

	if !ok {
		return false
	}

	g.audit.Append(ctx, models.AuditEntry{
		Timestamp: g.now(),
		Principal: principal,
		Action:    "release",
		Resource:  "principal:" + principal,
		Allowed:   true,
		Reason:    reason,
		Risk:      models.RiskMedium,
	})

	g.logger.InfoContext(ctx, "Principal released", "principal", principal, "reason", reason)
	g.notifier.Notify(ctx, source, events.SecurityAgentReleased, map[string]any{
		"principal": principal,
		"reason":    reason,
	})

	return true
}

// IsQuarantined reports whether principal is quarantined.
func (g *Gate) IsQuarantined(principal string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	_, ok := g.quarantined[principal]

	return ok
}
