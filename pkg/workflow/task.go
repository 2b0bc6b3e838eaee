package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/template"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const opTask = "workflow.runTask"

// runTask selects an agent, has the gate validate the task and dispatches it
// with the step timeout.
func (e *Engine) runTask(ctx context.Context, r *run, step *models.Step, att *models.StepExecution) (any, error) {
	cfg, err := decodeConfig[taskConfig](step)
	if err != nil {
		return nil, err
	}

	registration, ok := e.directory.SelectForTask(ctx, cfg.TaskType, agents.Requirements{
		Capability: cfg.Capability,
		AgentType:  cfg.AgentType,
		Tags:       cfg.Tags,
		Strategy:   agents.StrategyLeastLoaded,
	})
	if !ok {
		return nil, apperr.Newf(apperr.KindDispatch, opTask, apperr.CodeNoSuitableAgent,
			"no suitable agent for task type %s", cfg.TaskType)
	}

	defer e.directory.Release(registration.ID)

	agent, ok := e.directory.Agent(registration.ID)
	if !ok {
		return nil, apperr.Newf(apperr.KindDispatch, opTask, apperr.CodeAgentNotFound, "agent %s is no longer registered", registration.ID)
	}

	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = step.Timeout.Std()
	}

	task := agents.NewTask(cfg.TaskType, template.InterpolateMap(cfg.Payload, r.scope()))
	task.ExecutionID = r.execution.ID
	task.StepID = step.ID
	task.Timeout = models.Duration(timeout)
	task.Metadata = map[string]any{
		"workflowId": r.def.ID,
		"attempt":    att.RetryCount,
	}

	r.assign(att, registration.ID, task.ID)

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String(otelhelper.AgentIDKey, registration.ID),
		attribute.String(otelhelper.TaskTypeKey, cfg.TaskType),
	)

	if e.gate != nil {
		decision := e.gate.ValidateTaskExecution(ctx, registration.ID, task)
		if !decision.Allowed {
			return nil, decision.Err(opTask)
		}

		if decision.RequiresApproval {
			r.logger.WarnContext(ctx, "Task flagged for approval", "step_id", step.ID, "agent_id", registration.ID, "reason", decision.Reason)
		}
	}

	r.logger.DebugContext(ctx, "Dispatching task", "step_id", step.ID, "agent_id", registration.ID, "task_id", task.ID)

	return e.dispatch(ctx, r, agent, task, timeout)
}

type dispatchOutcome struct {
	result *models.TaskResult
	err    error
}

// dispatch races the agent call against timeout. On timeout the agent is
// asked to cancel the task.
func (e *Engine) dispatch(ctx context.Context, r *run, agent agents.Agent, task *models.AgentTask, timeout time.Duration) (any, error) {
	dispatchCtx := ctx
	cancel := context.CancelFunc(func() {})

	if timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	outcome := make(chan dispatchOutcome, 1)

	go func() {
		result, err := agent.ExecuteTask(dispatchCtx, task)
		outcome <- dispatchOutcome{result: result, err: err}
	}()

	select {
	case out := <-outcome:
		if out.err != nil {
			if isContextError(out.err) && dispatchCtx.Err() != nil {
				return nil, e.interrupted(ctx, r, agent, task, timeout)
			}

			return nil, apperr.Wrap(apperr.KindAgentExecution, opTask, apperr.CodeTaskFailed, out.err)
		}

		if out.result == nil || !out.result.Success {
			message := "agent reported failure"
			if out.result != nil && out.result.Error != "" {
				message = out.result.Error
			}

			return nil, apperr.New(apperr.KindAgentExecution, opTask, apperr.CodeTaskFailed, message)
		}

		return out.result.Data, nil
	case <-dispatchCtx.Done():
		return nil, e.interrupted(ctx, r, agent, task, timeout)
	}
}

func (e *Engine) interrupted(ctx context.Context, r *run, agent agents.Agent, task *models.AgentTask, timeout time.Duration) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return cancelledError(opTask, ctx.Err())
	}

	e.cancelAgentTask(ctx, r, inflightTask{agentID: agent.ID(), taskID: task.ID})

	return apperr.Newf(apperr.KindTimeout, opTask, apperr.CodeDispatchTimeout, "task %s timed out after %s", task.ID, timeout)
}
