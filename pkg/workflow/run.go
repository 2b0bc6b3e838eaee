package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/template"
	"github.com/google/uuid"
)

const cancelledMessage = "execution cancelled"

type inflightTask struct {
	agentID string
	taskID  string
}

// run is the mutable state of one execution.
type run struct {
	mu        sync.Mutex
	def       *models.WorkflowDefinition
	execution models.Execution
	steps     []*models.StepExecution
	inflight  map[string]inflightTask

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	attempts atomic.Int64
	logger   *slog.Logger
}

func (r *run) snapshot() *models.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.execution
	out.Results = cloneMap(r.execution.Results)
	out.Variables = cloneMap(r.execution.Variables)
	out.Path = append([]string{}, r.execution.Path...)

	if r.execution.EndedAt != nil {
		ended := *r.execution.EndedAt
		out.EndedAt = &ended
	}

	return &out
}

func (r *run) history() []models.StepExecution {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.StepExecution, 0, len(r.steps))

	for _, att := range r.steps {
		copied := *att
		copied.Result = cloneAny(att.Result)

		if att.EndedAt != nil {
			ended := *att.EndedAt
			copied.EndedAt = &ended
		}

		out = append(out, copied)
	}

	return out
}

// scope returns a copy of the data visible to interpolation.
func (r *run) scope() template.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()

	return template.Scope{
		Variables: cloneMap(r.execution.Variables),
		Steps:     cloneMap(r.execution.Results),
	}
}

func (r *run) setVariable(name string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.execution.Variables[name] = v
}

func (r *run) result(stepID string) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return cloneAny(r.execution.Results[stepID])
}

// startAttempt records a running attempt. It fails once the execution is
// terminal so no attempt starts after a cancel.
func (r *run) startAttempt(step *models.Step, retry int, now time.Time) (*models.StepExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status.IsTerminal() {
		return nil, apperr.New(apperr.KindCancelled, "workflow.startAttempt", apperr.CodeExecutionCancelled, cancelledMessage)
	}

	att := &models.StepExecution{
		ID:          uuid.NewString(),
		ExecutionID: r.execution.ID,
		StepID:      step.ID,
		Kind:        step.Kind,
		Status:      models.StepStatusRunning,
		RetryCount:  retry,
		StartedAt:   now,
	}
	r.steps = append(r.steps, att)

	return att, nil
}

func (r *run) assign(att *models.StepExecution, agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	att.AgentID = agentID
	att.TaskID = taskID
	r.inflight[att.ID] = inflightTask{agentID: agentID, taskID: taskID}
}

// finishAttempt closes an attempt. Attempts already closed by a cancel are
// left untouched. Successful results become visible to later steps.
func (r *run) finishAttempt(att *models.StepExecution, result any, err error, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inflight, att.ID)

	if att.Status != models.StepStatusRunning {
		return
	}

	att.EndedAt = &now

	if err != nil {
		att.Status = models.StepStatusFailed
		att.Error = err.Error()

		return
	}

	att.Status = models.StepStatusCompleted
	att.Result = cloneAny(result)
	r.execution.Results[att.StepID] = cloneAny(result)
	r.execution.Path = append(r.execution.Path, att.StepID)
}

// start moves a pending execution to running. It reports false when the
// execution is already terminal.
func (r *run) start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status.IsTerminal() {
		return false
	}

	r.execution.Status = models.ExecutionStatusRunning

	return true
}

// markCancelled moves the execution to cancelled, fails running attempts and
// returns the agent tasks still in flight.
func (r *run) markCancelled(now time.Time) ([]inflightTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status.IsTerminal() {
		return nil, false
	}

	r.execution.Status = models.ExecutionStatusCancelled
	r.execution.EndedAt = &now
	r.execution.Error = cancelledMessage

	for _, att := range r.steps {
		if att.Status == models.StepStatusRunning || att.Status == models.StepStatusPending {
			ended := now
			att.Status = models.StepStatusFailed
			att.Error = cancelledMessage
			att.EndedAt = &ended
		}
	}

	tasks := make([]inflightTask, 0, len(r.inflight))
	for _, task := range r.inflight {
		tasks = append(tasks, task)
	}

	return tasks, true
}

// finish records the final status unless the execution is already terminal.
func (r *run) finish(status models.ExecutionStatus, err error, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.execution.Status.IsTerminal() {
		return false
	}

	r.execution.Status = status
	r.execution.EndedAt = &now

	if err != nil {
		r.execution.Error = err.Error()
	}

	return true
}

func (r *run) cancelled() bool {
	return r.ctx.Err() != nil
}

func cancelledError(op string, err error) error {
	if apperr.IsCancelled(err) {
		return err
	}

	if err == nil {
		err = context.Canceled
	}

	return apperr.Wrap(apperr.KindCancelled, op, apperr.CodeExecutionCancelled, err)
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
