package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

var (
	durationSchema  = map[string]any{"type": []any{"string", "number"}}
	conditionSchema = map[string]any{
		"type":     "object",
		"required": []any{"type", "left"},
		"properties": map[string]any{
			"type": map[string]any{
				"type": "string",
				"enum": []any{"equals", "not_equals", "greater_than", "less_than", "contains", "regex", "expression"},
			},
		},
	}
	stepIDsSchema = map[string]any{
		"type":     "array",
		"minItems": 1,
		"items":    map[string]any{"type": "string", "minLength": 1},
	}
)

// stepSchemas holds the JSON schema of each step kind's config.
var stepSchemas = map[models.StepKind]map[string]any{
	models.StepKindTask: {
		"type":     "object",
		"required": []any{"taskType"},
		"properties": map[string]any{
			"taskType":   map[string]any{"type": "string", "minLength": 1},
			"capability": map[string]any{"type": "string"},
			"agentType":  map[string]any{"type": "string"},
			"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"payload":    map[string]any{"type": "object"},
			"timeout":    durationSchema,
		},
	},
	models.StepKindCondition: {
		"type":       "object",
		"required":   []any{"condition"},
		"properties": map[string]any{"condition": conditionSchema},
	},
	models.StepKindLoop: {
		"type":     "object",
		"required": []any{"type", "steps"},
		"properties": map[string]any{
			"type":           map[string]any{"type": "string", "enum": []any{"for", "while", "foreach"}},
			"count":          map[string]any{"type": []any{"number", "string"}},
			"condition":      conditionSchema,
			"items":          map[string]any{"type": []any{"array", "string"}},
			"steps":          stepIDsSchema,
			"maxIterations":  map[string]any{"type": "number", "minimum": 0},
			"breakCondition": conditionSchema,
			"itemVariable":   map[string]any{"type": "string", "minLength": 1},
			"indexVariable":  map[string]any{"type": "string", "minLength": 1},
		},
		"allOf": []any{
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "for"}}},
				"then": map[string]any{"required": []any{"count"}},
			},
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "while"}}},
				"then": map[string]any{"required": []any{"condition"}},
			},
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "foreach"}}},
				"then": map[string]any{"required": []any{"items"}},
			},
		},
	},
	models.StepKindParallel: {
		"type":       "object",
		"required":   []any{"steps"},
		"properties": map[string]any{"steps": stepIDsSchema},
	},
	models.StepKindWait: {
		"type":     "object",
		"required": []any{"type"},
		"properties": map[string]any{
			"type":      map[string]any{"type": "string", "enum": []any{"duration", "condition", "event"}},
			"duration":  durationSchema,
			"condition": conditionSchema,
			"event":     map[string]any{"type": "string", "minLength": 1},
			"timeout":   durationSchema,
		},
		"allOf": []any{
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "duration"}}},
				"then": map[string]any{"required": []any{"duration"}},
			},
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "condition"}}},
				"then": map[string]any{"required": []any{"condition"}},
			},
			map[string]any{
				"if":   map[string]any{"properties": map[string]any{"type": map[string]any{"const": "event"}}},
				"then": map[string]any{"required": []any{"event"}},
			},
		},
	},
	models.StepKindEvent: {
		"type":     "object",
		"required": []any{"event"},
		"properties": map[string]any{
			"event":           map[string]any{"type": "string", "minLength": 1},
			"topic":           map[string]any{"type": "string"},
			"payload":         map[string]any{"type": "object"},
			"waitForResponse": map[string]any{"type": "boolean"},
			"responseEvent":   map[string]any{"type": "string"},
			"responseTimeout": durationSchema,
			"correlationId":   map[string]any{"type": "string"},
		},
		"if": map[string]any{
			"properties": map[string]any{"waitForResponse": map[string]any{"const": true}},
			"required":   []any{"waitForResponse"},
		},
		"then": map[string]any{"required": []any{"responseEvent"}},
	},
	models.StepKindScript: {
		"type":     "object",
		"required": []any{"expression"},
		"properties": map[string]any{
			"expression":     map[string]any{"type": "string", "minLength": 1},
			"outputVariable": map[string]any{"type": "string"},
		},
	},
}

// validateConfig checks a step config against the schema of its kind.
func validateConfig(step *models.Step) error {
	const op = "workflow.validateConfig"

	schema, ok := stepSchemas[step.Kind]
	if !ok {
		return apperr.Newf(apperr.KindValidation, op, apperr.CodeInvalidDefinition, "unsupported step kind %q", step.Kind)
	}

	config := step.Config
	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return apperr.Wrap(apperr.KindValidation, op, apperr.CodeMissingConfig, err)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return apperr.Newf(apperr.KindValidation, op, apperr.CodeMissingConfig,
			"step %q: invalid %s config: %s", step.ID, step.Kind, strings.Join(problems, "; "))
	}

	return nil
}

// decodeConfig converts a validated step config into its typed form.
func decodeConfig[T any](step *models.Step) (T, error) {
	var out T

	raw, err := json.Marshal(step.Config)
	if err != nil {
		return out, apperr.Wrap(apperr.KindValidation, "workflow.decodeConfig", apperr.CodeMissingConfig, err)
	}

	if err := json.Unmarshal(raw, &out); err != nil {
		return out, apperr.Wrap(apperr.KindValidation, "workflow.decodeConfig", apperr.CodeMissingConfig,
			fmt.Errorf("step %q: %w", step.ID, err))
	}

	return out, nil
}

type taskConfig struct {
	TaskType   string          `json:"taskType"`
	Capability string          `json:"capability"`
	AgentType  string          `json:"agentType"`
	Tags       []string        `json:"tags"`
	Payload    map[string]any  `json:"payload"`
	Timeout    models.Duration `json:"timeout"`
}

type conditionConfig struct {
	Condition models.WorkflowCondition `json:"condition"`
}

type loopConfig struct {
	Type           string                    `json:"type"`
	Count          any                       `json:"count"`
	Condition      *models.WorkflowCondition `json:"condition"`
	Items          any                       `json:"items"`
	Steps          []string                  `json:"steps"`
	MaxIterations  int                       `json:"maxIterations"`
	BreakCondition *models.WorkflowCondition `json:"breakCondition"`
	ItemVariable   string                    `json:"itemVariable"`
	IndexVariable  string                    `json:"indexVariable"`
}

type parallelConfig struct {
	Steps []string `json:"steps"`
}

type waitConfig struct {
	Type      string                    `json:"type"`
	Duration  models.Duration           `json:"duration"`
	Condition *models.WorkflowCondition `json:"condition"`
	Event     string                    `json:"event"`
	Timeout   models.Duration           `json:"timeout"`
}

type eventConfig struct {
	Event           string          `json:"event"`
	Topic           string          `json:"topic"`
	Payload         map[string]any  `json:"payload"`
	WaitForResponse bool            `json:"waitForResponse"`
	ResponseEvent   string          `json:"responseEvent"`
	ResponseTimeout models.Duration `json:"responseTimeout"`
	CorrelationID   string          `json:"correlationId"`
}

type scriptConfig struct {
	Expression     string `json:"expression"`
	OutputVariable string `json:"outputVariable"`
}
