// Package models defines the core domain models of the orchestration core.
package models

import "time"

// StepKind selects the executor used for a step.
type StepKind string

const (
	StepKindTask      StepKind = "task"
	StepKindCondition StepKind = "condition"
	StepKindLoop      StepKind = "loop"
	StepKindParallel  StepKind = "parallel"
	StepKindWait      StepKind = "wait"
	StepKindEvent     StepKind = "event"
	StepKindScript    StepKind = "script"
)

// StepKinds lists every supported kind.
var StepKinds = []StepKind{
	StepKindTask, StepKindCondition, StepKindLoop, StepKindParallel,
	StepKindWait, StepKindEvent, StepKindScript,
}

// WorkflowDefinition is an immutable step graph plus default variables.
type WorkflowDefinition struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"                  validate:"required"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Steps       []Step         `json:"steps"                 validate:"required,min=1,dive"`
	Triggers    []Trigger      `json:"triggers,omitempty"    validate:"dive"`
	Variables   map[string]any `json:"variables,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Step is one node of the graph. Config is kind-specific.
type Step struct {
	ID          string         `json:"id"                     validate:"required"`
	Name        string         `json:"name,omitempty"`
	Kind        StepKind       `json:"kind"                   validate:"required,oneof=task condition loop parallel wait event script"`
	Config      map[string]any `json:"config,omitempty"`
	OnSuccess   []string       `json:"on_success,omitempty"`
	OnFailure   []string       `json:"on_failure,omitempty"`
	RetryPolicy *RetryPolicy   `json:"retry_policy,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty"`
}

// RetryPolicy controls re-dispatch of failed task steps.
type RetryPolicy struct {
	MaxRetries        int      `json:"max_retries"        validate:"min=0,max=100"`
	BaseDelay         Duration `json:"base_delay"`
	BackoffMultiplier float64  `json:"backoff_multiplier" validate:"min=0"`
}

// TriggerType selects how a workflow is started automatically.
type TriggerType string

const (
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeEvent    TriggerType = "event"
)

// Trigger starts executions of its workflow.
type Trigger struct {
	ID     string         `json:"id"               validate:"required"`
	Type   TriggerType    `json:"type"             validate:"required,oneof=manual schedule event"`
	Config map[string]any `json:"config,omitempty"`
}

// ConditionType is the comparison used by a WorkflowCondition.
type ConditionType string

const (
	ConditionEquals      ConditionType = "equals"
	ConditionNotEquals   ConditionType = "not_equals"
	ConditionGreaterThan ConditionType = "greater_than"
	ConditionLessThan    ConditionType = "less_than"
	ConditionContains    ConditionType = "contains"
	ConditionRegex       ConditionType = "regex"
	ConditionExpression  ConditionType = "expression"
)

// WorkflowCondition compares two interpolated operands.
type WorkflowCondition struct {
	Type  ConditionType `json:"type"`
	Left  any           `json:"left"`
	Right any           `json:"right,omitempty"`
}

// StepByID returns the step with the given id.
func (w *WorkflowDefinition) StepByID(id string) (*Step, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}

	return nil, false
}
