// Package web provides the HTTP API over the workflow engine, the agent
// directory, the event bus and the security gate.
package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/eventbus"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/security"
	"github.com/dukex/agentflow/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const (
	principalHeader = "X-Principal-ID"

	defaultWaitTimeout = 30 * time.Second
)

type APIHandlers struct {
	engine    *workflow.Engine
	directory *agents.Directory
	gate      *security.Gate
	bus       *eventbus.Bus
	validator *validator.Validate
	logger    *slog.Logger
	startedAt time.Time
}

func NewAPIHandlers(
	engine *workflow.Engine,
	directory *agents.Directory,
	gate *security.Gate,
	bus *eventbus.Bus,
	validator *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		directory: directory,
		gate:      gate,
		bus:       bus,
		validator: validator,
		logger:    logger.With("module", "web"),
		startedAt: time.Now(),
	}
}

func principal(c fiber.Ctx) string {
	return strings.TrimSpace(c.Get(principalHeader))
}

// reserved reports whether id belongs to the core or a trusted service.
// HTTP callers may not claim those identities.
func (h *APIHandlers) reserved(id string) bool {
	if id == security.SystemPrincipal {
		return true
	}

	return h.gate != nil && h.gate.IsTrusted(id)
}

func (h *APIHandlers) ListWorkflows(c fiber.Ctx) error {
	workflows := h.engine.ListWorkflows()

	return c.JSON(fiber.Map{
		"workflows":   workflows,
		"total_count": len(workflows),
	})
}

func (h *APIHandlers) RegisterWorkflow(c fiber.Ctx) error {
	var def models.WorkflowDefinition
	if err := c.Bind().JSON(&def); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	id, err := h.engine.Register(c.Context(), &def)
	if err != nil {
		return handleError(c, err)
	}

	registered, _ := h.engine.GetWorkflow(id)

	return c.Status(fiber.StatusCreated).JSON(registered)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	def, ok := h.engine.GetWorkflow(c.Params("id"))
	if !ok {
		return notFound(c, "Workflow not found")
	}

	return c.JSON(def)
}

func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	var req ExecuteWorkflowRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}
	}

	timeout := defaultWaitTimeout

	if req.Timeout != "" {
		parsed, err := models.ParseDuration(req.Timeout)
		if err != nil || parsed <= 0 {
			return badRequest(c, "Invalid timeout: "+req.Timeout)
		}

		timeout = parsed
	}

	executionID, err := h.engine.Execute(c.Context(), id, req.Variables)
	if err != nil {
		return handleError(c, err)
	}

	h.logger.InfoContext(c.Context(), "Execution requested", "workflow_id", id, "execution_id", executionID, "principal", principal(c))

	if !req.Wait {
		return c.Status(fiber.StatusAccepted).JSON(ExecuteWorkflowResponse{ExecutionID: executionID, WorkflowID: id})
	}

	ctx, cancel := context.WithTimeout(c.Context(), timeout)
	defer cancel()

	execution, err := h.engine.Wait(ctx, executionID)
	if errors.Is(err, context.DeadlineExceeded) {
		snapshot, _ := h.engine.GetExecution(executionID)

		return c.Status(fiber.StatusAccepted).JSON(snapshot)
	}

	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(execution)
}

func (h *APIHandlers) ListExecutions(c fiber.Ctx) error {
	executions := h.engine.ListExecutions(c.Query("workflow_id"))

	return c.JSON(fiber.Map{
		"executions":  executions,
		"total_count": len(executions),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	execution, ok := h.engine.GetExecution(c.Params("id"))
	if !ok {
		return notFound(c, "Execution not found")
	}

	return c.JSON(execution)
}

func (h *APIHandlers) GetStepHistory(c fiber.Ctx) error {
	history, ok := h.engine.GetStepHistory(c.Params("id"))
	if !ok {
		return notFound(c, "Execution not found")
	}

	return c.JSON(fiber.Map{"steps": history})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")

	if _, ok := h.engine.GetExecution(id); !ok {
		return notFound(c, "Execution not found")
	}

	cancelled := h.engine.Cancel(c.Context(), id)

	return c.JSON(fiber.Map{"execution_id": id, "cancelled": cancelled})
}

func (h *APIHandlers) ListAgents(c fiber.Ctx) error {
	query := agents.Query{
		Type:             c.Query("type"),
		IncludeUnhealthy: c.Query("include_unhealthy") == "true",
	}

	if tags := c.Query("tags"); tags != "" {
		query.Tags = strings.Split(tags, ",")
	}

	if capability := c.Query("capability"); capability != "" {
		query.Capabilities = []string{capability}
	}

	registrations := h.directory.Discover(query)

	out := make([]AgentResponse, 0, len(registrations))
	for _, registration := range registrations {
		out = append(out, TransformAgentResponse(registration))
	}

	return c.JSON(fiber.Map{"agents": out, "total_count": len(out)})
}

func (h *APIHandlers) UnregisterAgent(c fiber.Ctx) error {
	if !h.directory.Unregister(c.Context(), c.Params("id")) {
		return notFound(c, "Agent not found")
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// SubmitTask runs a single task on the best agent, outside any workflow.
// The caller must pass the gate's submit_task check.
func (h *APIHandlers) SubmitTask(c fiber.Ctx) error {
	caller := principal(c)
	if caller == "" {
		return unauthorized(c)
	}

	if h.reserved(caller) {
		return reservedPrincipal(c, caller)
	}

	var req SubmitTaskRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if h.gate != nil {
		decision := h.gate.Validate(c.Context(), caller, "submit_task", "task:"+req.Type, map[string]any{"taskType": req.Type})
		if !decision.Allowed {
			return handleError(c, decision.Err("web.SubmitTask"))
		}
	}

	result, err := h.directory.Distribute(c.Context(), req.Type, req.Payload)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) ListEvents(c fiber.Ctx) error {
	query := eventbus.HistoryQuery{Topic: c.Query("topic")}

	if since := c.Query("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return badRequest(c, "Invalid since: "+err.Error())
		}

		query.Since = parsed
	}

	if from := c.Query("from_offset"); from != "" {
		offset, err := strconv.ParseInt(from, 10, 64)
		if err != nil {
			return badRequest(c, "Invalid from_offset: "+err.Error())
		}

		query.FromOffset = offset
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		query.Limit = n
	}

	history := h.bus.History(query)

	return c.JSON(fiber.Map{"events": history, "total_count": len(history)})
}

func (h *APIHandlers) PublishEvent(c fiber.Ctx) error {
	caller := principal(c)
	if caller == "" {
		return unauthorized(c)
	}

	if h.reserved(caller) {
		return reservedPrincipal(c, caller)
	}

	var req PublishEventRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.bus.Publish(c.Context(), events.Event{
		Type:    events.EventType(req.Type),
		Topic:   req.Topic,
		Source:  caller,
		Payload: req.Payload,
	})
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(result)
}

func (h *APIHandlers) ListAudit(c fiber.Ctx) error {
	filter := security.AuditFilter{
		Principal: c.Query("principal"),
		Action:    c.Query("action"),
	}

	if allowed := c.Query("allowed"); allowed != "" {
		b, err := strconv.ParseBool(allowed)
		if err != nil {
			return badRequest(c, "Invalid allowed: "+err.Error())
		}

		filter.Allowed = &b
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "Invalid limit: "+err.Error())
		}

		filter.Limit = n
	}

	entries := h.gate.Audit().Entries(filter)

	return c.JSON(fiber.Map{"entries": entries, "total_count": len(entries)})
}

func (h *APIHandlers) ScanSecrets(c fiber.Ctx) error {
	var req ScanRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	matches := h.gate.ScanForSecrets(c.Context(), req.Text)

	masked := make([]security.SecretMatch, 0, len(matches))
	for _, match := range matches {
		match.Value = security.Mask(match.Value)
		masked = append(masked, match)
	}

	return c.JSON(fiber.Map{"matches": masked, "found": len(masked) > 0})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registered := h.directory.List()

	healthy := 0

	for _, registration := range registered {
		if registration.Health.Healthy {
			healthy++
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK

	if len(registered) > 0 && healthy == 0 {
		status = "degraded"
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"agents":    fiber.Map{"registered": len(registered), "healthy": healthy},
			"workflows": fiber.Map{"registered": len(h.engine.ListWorkflows())},
			"events":    fiber.Map{"subscriptions": len(h.bus.Subscriptions())},
		},
		"uptime":    time.Since(h.startedAt).String(),
		"timestamp": time.Now().UTC(),
	})
}
