package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// execute walks the entry steps in definition order and records the final
// status.
func (e *Engine) execute(r *run) {
	defer close(r.done)
	defer r.cancel()

	ctx, span := otelhelper.StartSpan(r.ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, r.def.ID),
		attribute.String(otelhelper.WorkflowNameKey, r.def.Name),
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
	)
	defer span.End()

	var err error

	for _, id := range entrySteps(r.def) {
		if err = e.walk(ctx, r, id); err != nil {
			break
		}
	}

	payload := map[string]any{"execution_id": r.execution.ID, "workflow_id": r.def.ID}

	if err != nil {
		if r.cancelled() {
			return
		}

		otelhelper.SetError(span, err)

		if !r.finish(models.ExecutionStatusFailed, err, e.now()) {
			return
		}

		r.logger.ErrorContext(ctx, "Execution failed", "error", err)
		e.countExecution(ctx, models.ExecutionStatusFailed)

		payload["error"] = err.Error()
		payload["code"] = apperr.CodeOf(err)
		e.notifier.Notify(ctx, source, events.WorkflowFailed, payload)

		return
	}

	if !r.finish(models.ExecutionStatusCompleted, nil, e.now()) {
		return
	}

	snapshot := r.snapshot()

	r.logger.InfoContext(ctx, "Execution completed", "path", snapshot.Path)
	e.countExecution(ctx, models.ExecutionStatusCompleted)

	payload["path"] = snapshot.Path
	payload["results"] = snapshot.Results
	e.notifier.Notify(ctx, source, events.WorkflowCompleted, payload)
}

// walk runs stepID and follows its edges. Failures without failure edges
// propagate to the caller.
func (e *Engine) walk(ctx context.Context, r *run, stepID string) error {
	step, ok := r.def.StepByID(stepID)
	if !ok {
		return apperr.Newf(apperr.KindValidation, "workflow.walk", apperr.CodeDanglingStepReference, "unknown step %q", stepID)
	}

	result, err := e.runStep(ctx, r, step)
	if err != nil {
		if r.cancelled() || apperr.IsCancelled(err) {
			return cancelledError("workflow.walk", err)
		}

		if len(step.OnFailure) == 0 {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}

		r.logger.WarnContext(ctx, "Step failed, following failure edges", "step_id", step.ID, "error", err)

		return e.walkAll(ctx, r, step.OnFailure)
	}

	next := step.OnSuccess
	if step.Kind == models.StepKindCondition && !conditionPassed(result) {
		next = step.OnFailure
	}

	return e.walkAll(ctx, r, next)
}

func (e *Engine) walkAll(ctx context.Context, r *run, ids []string) error {
	for _, id := range ids {
		if err := e.walk(ctx, r, id); err != nil {
			return err
		}
	}

	return nil
}

// runStep runs the attempts of one step, retrying task failures according
// to the step's retry policy.
func (e *Engine) runStep(ctx context.Context, r *run, step *models.Step) (any, error) {
	const op = "workflow.runStep"

	limit := maxAttempts(step)

	for attempt := 0; ; attempt++ {
		if n := r.attempts.Add(1); n > e.stepLimit {
			return nil, apperr.Newf(apperr.KindValidation, op, apperr.CodeStepLimitExceeded,
				"execution exceeded %d step attempts", e.stepLimit)
		}

		att, err := r.startAttempt(step, attempt, e.now())
		if err != nil {
			return nil, err
		}

		e.notifyStep(ctx, r, events.StepStarted, att, nil)

		started := time.Now()
		result, err := e.runAttempt(ctx, r, step, att)
		e.observeAttempt(ctx, step, err, time.Since(started))

		r.finishAttempt(att, result, err, e.now())

		if err == nil {
			e.notifyStep(ctx, r, events.StepCompleted, att, nil)

			return result, nil
		}

		e.notifyStep(ctx, r, events.StepFailed, att, err)

		if r.cancelled() {
			return nil, cancelledError(op, err)
		}

		if attempt+1 >= limit || !apperr.IsRetryable(err) {
			return nil, err
		}

		delay := backoffDelay(step.RetryPolicy, attempt+1)

		r.logger.WarnContext(ctx, "Retrying step", "step_id", step.ID, "retry", attempt+1, "delay", delay.String(), "error", err)
		e.notifier.Notify(ctx, source, events.StepRetry, map[string]any{
			"execution_id": r.execution.ID,
			"workflow_id":  r.def.ID,
			"step_id":      step.ID,
			"retry":        attempt + 1,
			"max_retries":  step.RetryPolicy.MaxRetries,
			"delay_ms":     delay.Milliseconds(),
			"error":        err.Error(),
		})

		if err := sleep(r.ctx, delay); err != nil {
			return nil, cancelledError(op, err)
		}
	}
}

// runAttempt validates the step config and runs the executor of its kind.
func (e *Engine) runAttempt(ctx context.Context, r *run, step *models.Step, att *models.StepExecution) (any, error) {
	const op = "workflow.runAttempt"

	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "workflow.step",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepKindKey, string(step.Kind)),
		attribute.Int(otelhelper.AttemptKey, att.RetryCount),
	)
	defer span.End()

	if err := validateConfig(step); err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	attemptCtx := ctx

	if timeout := step.Timeout.Std(); timeout > 0 && step.Kind != models.StepKindTask {
		var cancel context.CancelFunc

		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		result any
		err    error
	)

	switch step.Kind {
	case models.StepKindTask:
		result, err = e.runTask(attemptCtx, r, step, att)
	case models.StepKindCondition:
		result, err = e.runCondition(r, step)
	case models.StepKindLoop:
		result, err = e.runLoop(attemptCtx, r, step)
	case models.StepKindParallel:
		result, err = e.runParallel(attemptCtx, r, step)
	case models.StepKindWait:
		result, err = e.runWait(attemptCtx, r, step)
	case models.StepKindEvent:
		result, err = e.runEvent(attemptCtx, r, step)
	case models.StepKindScript:
		result, err = e.runScript(r, step)
	default:
		err = apperr.Newf(apperr.KindValidation, op, apperr.CodeInvalidDefinition, "unsupported step kind %q", step.Kind)
	}

	if err != nil {
		switch {
		case r.cancelled():
			err = cancelledError(op, err)
		case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && apperr.KindOf(err) != apperr.KindTimeout:
			err = apperr.Newf(apperr.KindTimeout, op, apperr.CodeWaitTimeout, "step %s timed out after %s", step.ID, step.Timeout)
		}

		otelhelper.SetError(span, err)
	}

	return result, err
}

func (e *Engine) notifyStep(ctx context.Context, r *run, eventType events.EventType, att *models.StepExecution, err error) {
	payload := map[string]any{
		"execution_id": r.execution.ID,
		"workflow_id":  r.def.ID,
		"step_id":      att.StepID,
		"kind":         string(att.Kind),
		"attempt":      att.RetryCount,
	}

	if att.AgentID != "" {
		payload["agent_id"] = att.AgentID
	}

	if err != nil {
		payload["error"] = err.Error()
		payload["code"] = apperr.CodeOf(err)
	}

	e.notifier.Notify(ctx, source, eventType, payload)
}

func (e *Engine) observeAttempt(ctx context.Context, step *models.Step, err error, elapsed time.Duration) {
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}

	attrs := metric.WithAttributes(
		attribute.String("kind", string(step.Kind)),
		attribute.String("outcome", outcome),
	)

	if e.metrics.attempts != nil {
		e.metrics.attempts.Add(ctx, 1, attrs)
	}

	if e.metrics.duration != nil {
		e.metrics.duration.Record(ctx, float64(elapsed)/float64(time.Millisecond), attrs)
	}
}

func (e *Engine) countExecution(ctx context.Context, status models.ExecutionStatus) {
	if e.metrics.executions != nil {
		e.metrics.executions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}
