package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/expr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/template"
	"github.com/dukex/agentflow/pkg/value"
)

const (
	opLoop   = "workflow.runLoop"
	opScript = "workflow.runScript"
)

// runLoop repeats the body steps. The iteration count never exceeds the
// hard ceiling, whatever maxIterations says.
func (e *Engine) runLoop(ctx context.Context, r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[loopConfig](step)
	if err != nil {
		return nil, err
	}

	limit := loopLimit
	if cfg.MaxIterations > 0 && cfg.MaxIterations < limit {
		limit = cfg.MaxIterations
	}

	itemVariable := cfg.ItemVariable
	if itemVariable == "" {
		itemVariable = "item"
	}

	indexVariable := cfg.IndexVariable
	if indexVariable == "" {
		indexVariable = "index"
	}

	var items []any

	switch cfg.Type {
	case "for":
		count, err := loopCount(cfg.Count, r.scope())
		if err != nil {
			return nil, err
		}

		if count < limit {
			limit = count
		}
	case "foreach":
		items, err = loopItems(cfg.Items, r.scope())
		if err != nil {
			return nil, err
		}

		if len(items) < limit {
			limit = len(items)
		}
	}

	results := make([]any, 0, limit)
	iterations := 0

	for i := 0; i < limit; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if cfg.BreakCondition != nil {
			stop, err := evaluateCondition(*cfg.BreakCondition, r.scope())
			if err != nil {
				return nil, err
			}

			if stop {
				break
			}
		}

		if cfg.Type == "while" {
			more, err := evaluateCondition(*cfg.Condition, r.scope())
			if err != nil {
				return nil, err
			}

			if !more {
				break
			}
		}

		r.setVariable(indexVariable, float64(i))

		if cfg.Type == "foreach" {
			r.setVariable(itemVariable, cloneAny(items[i]))
		}

		if err := e.walkAll(ctx, r, cfg.Steps); err != nil {
			return nil, fmt.Errorf("loop %s iteration %d: %w", step.ID, i, err)
		}

		iteration := make(map[string]any, len(cfg.Steps))
		for _, id := range cfg.Steps {
			iteration[id] = r.result(id)
		}

		results = append(results, iteration)
		iterations++
	}

	return map[string]any{
		"iterations": iterations,
		"results":    results,
	}, nil
}

func loopCount(raw any, scope template.Scope) (int, error) {
	resolved := value.From(template.Interpolate(raw, scope))

	n, ok := resolved.Number()
	if !ok || !resolved.IsNumeric() || n < 0 {
		return 0, apperr.Newf(apperr.KindValidation, opLoop, apperr.CodeMissingConfig, "loop count %q is not a non-negative number", resolved.String())
	}

	return int(n), nil
}

func loopItems(raw any, scope template.Scope) ([]any, error) {
	resolved := value.From(template.Interpolate(raw, scope))
	if resolved.Kind() != value.List {
		return nil, apperr.Newf(apperr.KindValidation, opLoop, apperr.CodeMissingConfig, "loop items %q is not a list", resolved.String())
	}

	list, _ := resolved.Any().([]any)

	return list, nil
}

type branchOutcome struct {
	stepID string
	result any
	err    error
}

// runParallel runs every branch concurrently and waits for all of them.
// Branch failures are reported in the result, never returned.
func (e *Engine) runParallel(ctx context.Context, r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[parallelConfig](step)
	if err != nil {
		return nil, err
	}

	outcomes := make([]branchOutcome, len(cfg.Steps))

	var wg sync.WaitGroup

	for i, id := range cfg.Steps {
		wg.Add(1)

		go func(i int, id string) {
			defer wg.Done()

			err := e.walk(ctx, r, id)
			outcomes[i] = branchOutcome{stepID: id, result: r.result(id), err: err}
		}(i, id)
	}

	wg.Wait()

	if r.cancelled() {
		return nil, cancelledError("workflow.runParallel", ctx.Err())
	}

	branches := make([]any, 0, len(outcomes))
	fulfilled, rejected := 0, 0

	for _, outcome := range outcomes {
		branch := map[string]any{"stepId": outcome.stepID}

		if outcome.err != nil {
			rejected++
			branch["status"] = "rejected"
			branch["error"] = outcome.err.Error()
		} else {
			fulfilled++
			branch["status"] = "fulfilled"
			branch["result"] = outcome.result
		}

		branches = append(branches, branch)
	}

	r.logger.DebugContext(ctx, "Parallel step settled", "step_id", step.ID, "fulfilled", fulfilled, "rejected", rejected)

	return map[string]any{
		"branches":  branches,
		"fulfilled": fulfilled,
		"rejected":  rejected,
	}, nil
}

// runScript evaluates a restricted expression over read-only data.
func (e *Engine) runScript(r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[scriptConfig](step)
	if err != nil {
		return nil, err
	}

	v, err := expr.Evaluate(cfg.Expression, expressionEnv(r.scope()))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, opScript, apperr.CodeScriptFailed, err)
	}

	result := v.Any()

	if cfg.OutputVariable != "" {
		r.setVariable(cfg.OutputVariable, cloneAny(result))
	}

	return result, nil
}
