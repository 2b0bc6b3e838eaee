package workflow

import (
	"context"
	"fmt"

	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/robfig/cron/v3"
)

// StartTriggers arms the schedule and event triggers of every registered
// workflow. Workflows registered later are armed on registration.
func (e *Engine) StartTriggers(ctx context.Context) error {
	e.triggerMu.Lock()

	if e.triggerCtx != nil {
		e.triggerMu.Unlock()

		return nil
	}

	e.triggerCtx = ctx
	e.scheduler = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))
	e.scheduler.Start()
	e.triggerMu.Unlock()

	armed := 0

	for _, def := range e.ListWorkflows() {
		if err := e.armTriggers(def); err != nil {
			return err
		}

		armed += len(def.Triggers)
	}

	e.logger.InfoContext(ctx, "Triggers started", "triggers", armed)

	return nil
}

// armTriggers is a no-op until StartTriggers was called.
func (e *Engine) armTriggers(def *models.WorkflowDefinition) error {
	e.triggerMu.Lock()
	defer e.triggerMu.Unlock()

	if e.triggerCtx == nil {
		return nil
	}

	ctx := e.triggerCtx

	for _, trigger := range def.Triggers {
		switch trigger.Type {
		case models.TriggerTypeSchedule:
			spec, _ := trigger.Config["cron"].(string)
			workflowID, triggerID := def.ID, trigger.ID
			variables, _ := trigger.Config["variables"].(map[string]any)

			_, err := e.scheduler.AddFunc(spec, func() {
				vars := cloneMap(variables)
				vars["trigger"] = map[string]any{"id": triggerID, "type": string(models.TriggerTypeSchedule)}

				e.fire(ctx, workflowID, triggerID, vars)
			})
			if err != nil {
				return fmt.Errorf("failed to schedule trigger %s of workflow %s: %w", trigger.ID, def.ID, err)
			}
		case models.TriggerTypeEvent:
			if e.bus == nil {
				return fmt.Errorf("trigger %s of workflow %s needs an event bus", trigger.ID, def.ID)
			}

			topic, _ := trigger.Config["topic"].(string)
			workflowID, triggerID := def.ID, trigger.ID

			id, err := e.bus.Subscribe(ctx, topic, e.principal, func(ctx context.Context, event events.Event) error {
				e.fire(ctx, workflowID, triggerID, map[string]any{
					"trigger": map[string]any{"id": triggerID, "type": string(models.TriggerTypeEvent)},
					"event":   eventResult(event),
				})

				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to subscribe trigger %s of workflow %s: %w", trigger.ID, def.ID, err)
			}

			e.triggerSubs = append(e.triggerSubs, id)
		}
	}

	return nil
}

func (e *Engine) fire(ctx context.Context, workflowID, triggerID string, variables map[string]any) {
	id, err := e.Execute(ctx, workflowID, variables)
	if err != nil {
		e.logger.ErrorContext(ctx, "Trigger failed to start execution", "workflow_id", workflowID, "trigger_id", triggerID, "error", err)

		return
	}

	e.logger.InfoContext(ctx, "Execution triggered", "workflow_id", workflowID, "trigger_id", triggerID, "execution_id", id)
}

// Stop disarms every trigger. Running executions are not affected.
func (e *Engine) Stop() {
	e.triggerMu.Lock()
	scheduler := e.scheduler
	subs := e.triggerSubs
	e.scheduler = nil
	e.triggerSubs = nil
	e.triggerCtx = nil
	e.triggerMu.Unlock()

	for _, id := range subs {
		e.bus.Remove(id)
	}

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
}
