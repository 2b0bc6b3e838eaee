package workflow

import (
	"regexp"
	"strings"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/expr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/template"
	"github.com/dukex/agentflow/pkg/value"
)

const opCondition = "workflow.evaluateCondition"

func (e *Engine) runCondition(r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[conditionConfig](step)
	if err != nil {
		return nil, err
	}

	passed, err := evaluateCondition(cfg.Condition, r.scope())
	if err != nil {
		return nil, err
	}

	return map[string]any{"result": passed}, nil
}

func conditionPassed(result any) bool {
	m, _ := result.(map[string]any)
	passed, _ := m["result"].(bool)

	return passed
}

// evaluateCondition interpolates both operands and compares them.
// Ordered comparisons of non-numeric operands are false.
func evaluateCondition(cond models.WorkflowCondition, scope template.Scope) (bool, error) {
	if cond.Type == models.ConditionExpression {
		src, ok := cond.Left.(string)
		if !ok || strings.TrimSpace(src) == "" {
			return false, apperr.New(apperr.KindValidation, opCondition, apperr.CodeInvalidCondition, "expression condition needs a string left operand")
		}

		v, err := expr.Evaluate(src, expressionEnv(scope))
		if err != nil {
			return false, apperr.Wrap(apperr.KindValidation, opCondition, apperr.CodeInvalidCondition, err)
		}

		return v.Truthy(), nil
	}

	left := value.From(template.Interpolate(cond.Left, scope))
	right := value.From(template.Interpolate(cond.Right, scope))

	switch cond.Type {
	case models.ConditionEquals:
		return looselyEqual(left, right), nil
	case models.ConditionNotEquals:
		return !looselyEqual(left, right), nil
	case models.ConditionGreaterThan, models.ConditionLessThan:
		if !left.IsNumeric() || !right.IsNumeric() {
			return false, nil
		}

		l, _ := left.Number()
		r, _ := right.Number()

		if cond.Type == models.ConditionGreaterThan {
			return l > r, nil
		}

		return l < r, nil
	case models.ConditionContains:
		if left.Kind() == value.List {
			return left.Contains(right), nil
		}

		return strings.Contains(left.String(), right.String()), nil
	case models.ConditionRegex:
		pattern, err := regexp.Compile(right.String())
		if err != nil {
			return false, apperr.Wrap(apperr.KindValidation, opCondition, apperr.CodeInvalidCondition, err)
		}

		return pattern.MatchString(left.String()), nil
	default:
		return false, apperr.Newf(apperr.KindValidation, opCondition, apperr.CodeInvalidCondition, "unknown condition type %q", cond.Type)
	}
}

// looselyEqual compares numerically when both sides are numeric, otherwise
// by string form.
func looselyEqual(left, right value.Value) bool {
	if left.IsNumeric() && right.IsNumeric() {
		l, _ := left.Number()
		r, _ := right.Number()

		return l == r
	}

	return left.String() == right.String()
}

// expressionEnv exposes variables and step results to expressions, shaped
// like interpolation references: steps.<id>.result.
func expressionEnv(scope template.Scope) expr.Env {
	steps := make(map[string]any, len(scope.Steps))
	for id, result := range scope.Steps {
		steps[id] = map[string]any{"result": result}
	}

	return expr.NewEnv(map[string]any{
		"variables": scope.Variables,
		"steps":     steps,
	})
}
