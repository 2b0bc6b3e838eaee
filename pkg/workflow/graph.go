package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

const opRegister = "workflow.Register"

// bodyRefs returns the step ids a parallel or loop step runs as branches
// or loop body.
func bodyRefs(step *models.Step) []string {
	if step.Kind != models.StepKindParallel && step.Kind != models.StepKindLoop {
		return nil
	}

	raw, ok := step.Config["steps"].([]any)
	if !ok {
		if ids, ok := step.Config["steps"].([]string); ok {
			return ids
		}

		return nil
	}

	ids := make([]string, 0, len(raw))
	for _, item := range raw {
		if id, ok := item.(string); ok {
			ids = append(ids, id)
		}
	}

	return ids
}

// entrySteps returns the steps without incoming edges, in definition order.
func entrySteps(def *models.WorkflowDefinition) []string {
	referenced := make(map[string]bool)

	for i := range def.Steps {
		step := &def.Steps[i]

		for _, id := range step.OnSuccess {
			referenced[id] = true
		}

		for _, id := range step.OnFailure {
			referenced[id] = true
		}

		for _, id := range bodyRefs(step) {
			referenced[id] = true
		}
	}

	var entries []string

	for _, step := range def.Steps {
		if !referenced[step.ID] {
			entries = append(entries, step.ID)
		}
	}

	return entries
}

func (e *Engine) validateDefinition(def *models.WorkflowDefinition) error {
	if err := e.validate.Struct(def); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			fields := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				fields = append(fields, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}

			return apperr.New(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition, strings.Join(fields, "; "))
		}

		return apperr.Wrap(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition, err)
	}

	return validateGraph(def)
}

// validateGraph checks step id uniqueness, edge references, entry points
// and rejects cycles.
func validateGraph(def *models.WorkflowDefinition) error {
	known := make(map[string]bool, len(def.Steps))

	for _, step := range def.Steps {
		if known[step.ID] {
			return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeDuplicateStepID, "duplicate step id %q", step.ID)
		}

		known[step.ID] = true
	}

	for i := range def.Steps {
		step := &def.Steps[i]

		for _, ref := range edges(step) {
			if !known[ref] {
				return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeDanglingStepReference,
					"step %q references unknown step %q", step.ID, ref)
			}
		}
	}

	if len(entrySteps(def)) == 0 {
		return apperr.New(apperr.KindValidation, opRegister, apperr.CodeNoEntryPoint, "workflow has no entry step")
	}

	if cycle := findCycle(def); cycle != nil {
		return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeCyclicGraph,
			"step graph contains a cycle: %s", strings.Join(cycle, " -> "))
	}

	return validateTriggers(def)
}

func edges(step *models.Step) []string {
	out := make([]string, 0, len(step.OnSuccess)+len(step.OnFailure))
	out = append(out, step.OnSuccess...)
	out = append(out, step.OnFailure...)

	return append(out, bodyRefs(step)...)
}

// findCycle runs a depth-first search and returns the first cycle found.
func findCycle(def *models.WorkflowDefinition) []string {
	const (
		unvisited = iota
		visiting
		done
	)

	state := make(map[string]int, len(def.Steps))
	steps := make(map[string]*models.Step, len(def.Steps))

	for i := range def.Steps {
		steps[def.Steps[i].ID] = &def.Steps[i]
	}

	var (
		stack []string
		visit func(id string) []string
	)

	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)

		for _, next := range edges(steps[id]) {
			switch state[next] {
			case visiting:
				for i, onStack := range stack {
					if onStack == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case unvisited:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done

		return nil
	}

	for _, step := range def.Steps {
		if state[step.ID] == unvisited {
			if cycle := visit(step.ID); cycle != nil {
				return cycle
			}
		}
	}

	return nil
}

func validateTriggers(def *models.WorkflowDefinition) error {
	for _, trigger := range def.Triggers {
		switch trigger.Type {
		case models.TriggerTypeSchedule:
			spec, _ := trigger.Config["cron"].(string)
			if _, err := cron.ParseStandard(spec); err != nil {
				return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition,
					"trigger %q: invalid cron expression %q: %v", trigger.ID, spec, err)
			}
		case models.TriggerTypeEvent:
			if topic, _ := trigger.Config["topic"].(string); topic == "" {
				return apperr.Newf(apperr.KindValidation, opRegister, apperr.CodeInvalidDefinition,
					"trigger %q: topic is required", trigger.ID)
			}
		}
	}

	return nil
}
