package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Rejections(t *testing.T) {
	tests := []struct {
		name string
		def  *models.WorkflowDefinition
		code string
	}{
		{
			name: "duplicate step id",
			def: testutil.CreateTestWorkflow("dup",
				testutil.TaskStep("a", "compute"),
				testutil.TaskStep("a", "compute"),
			),
			code: apperr.CodeDuplicateStepID,
		},
		{
			name: "dangling success edge",
			def: testutil.CreateTestWorkflow("dangling",
				testutil.TaskStep("a", "compute", testutil.WithOnSuccess("missing")),
			),
			code: apperr.CodeDanglingStepReference,
		},
		{
			name: "dangling failure edge",
			def: testutil.CreateTestWorkflow("dangling-failure",
				testutil.TaskStep("a", "compute", testutil.WithOnFailure("missing")),
			),
			code: apperr.CodeDanglingStepReference,
		},
		{
			name: "dangling parallel branch",
			def: testutil.CreateTestWorkflow("dangling-branch",
				testutil.CreateTestStep("p", models.StepKindParallel,
					testutil.WithConfig(map[string]any{"steps": []any{"ghost"}})),
			),
			code: apperr.CodeDanglingStepReference,
		},
		{
			name: "no entry point",
			def: testutil.CreateTestWorkflow("loop",
				testutil.TaskStep("a", "compute", testutil.WithOnSuccess("b")),
				testutil.TaskStep("b", "compute", testutil.WithOnSuccess("a")),
			),
			code: apperr.CodeNoEntryPoint,
		},
		{
			name: "cycle behind the entry step",
			def: testutil.CreateTestWorkflow("cycle",
				testutil.TaskStep("a", "compute", testutil.WithOnSuccess("b")),
				testutil.TaskStep("b", "compute", testutil.WithOnSuccess("c")),
				testutil.TaskStep("c", "compute", testutil.WithOnFailure("b")),
			),
			code: apperr.CodeCyclicGraph,
		},
		{
			name: "missing name",
			def: &models.WorkflowDefinition{
				ID:    "nameless",
				Steps: []models.Step{testutil.TaskStep("a", "compute")},
			},
			code: apperr.CodeInvalidDefinition,
		},
		{
			name: "unknown kind",
			def: testutil.CreateTestWorkflow("kind",
				testutil.CreateTestStep("a", models.StepKind("teleport")),
			),
			code: apperr.CodeInvalidDefinition,
		},
		{
			name: "bad cron trigger",
			def: func() *models.WorkflowDefinition {
				def := testutil.CreateTestWorkflow("cron", testutil.TaskStep("a", "compute"))
				def.Triggers = []models.Trigger{{ID: "t", Type: models.TriggerTypeSchedule, Config: map[string]any{"cron": "every day"}}}

				return def
			}(),
			code: apperr.CodeInvalidDefinition,
		},
		{
			name: "event trigger without topic",
			def: func() *models.WorkflowDefinition {
				def := testutil.CreateTestWorkflow("evt", testutil.TaskStep("a", "compute"))
				def.Triggers = []models.Trigger{{ID: "t", Type: models.TriggerTypeEvent}}

				return def
			}(),
			code: apperr.CodeInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _, recorder := newTestEngine(t)

			_, err := engine.Register(context.Background(), tt.def)
			require.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
			assert.Equal(t, tt.code, apperr.CodeOf(err))
			assert.Empty(t, engine.ListWorkflows())
			assert.Zero(t, recorder.Count("workflow:registered"))
		})
	}
}

func TestRegister_RejectsExistingID(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	def := testutil.CreateTestWorkflow("wf", testutil.TaskStep("a", "compute"))

	id, err := engine.Register(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, "wf", id)

	_, err = engine.Register(context.Background(), def)
	assert.Equal(t, apperr.CodeWorkflowExists, apperr.CodeOf(err))
}

func TestRegister_AssignsIDAndCopies(t *testing.T) {
	engine, _, recorder := newTestEngine(t)
	def := testutil.CreateTestWorkflow("", testutil.TaskStep("a", "compute"))

	id, err := engine.Register(context.Background(), def)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, recorder.Count("workflow:registered"))

	def.Steps[0].ID = "mutated"

	stored, ok := engine.GetWorkflow(id)
	require.True(t, ok)
	assert.Equal(t, "a", stored.Steps[0].ID)
	assert.False(t, stored.CreatedAt.IsZero())
}

func TestEntrySteps(t *testing.T) {
	def := testutil.CreateTestWorkflow("wf",
		testutil.TaskStep("first", "compute", testutil.WithOnSuccess("fan")),
		testutil.CreateTestStep("fan", models.StepKindParallel,
			testutil.WithConfig(map[string]any{"steps": []any{"b1", "b2"}})),
		testutil.TaskStep("b1", "compute"),
		testutil.TaskStep("b2", "compute"),
		testutil.TaskStep("independent", "compute"),
	)

	assert.Equal(t, []string{"first", "independent"}, entrySteps(def))
}

func TestBackoffDelay(t *testing.T) {
	policy := &models.RetryPolicy{MaxRetries: 3, BaseDelay: models.Duration(100 * time.Millisecond), BackoffMultiplier: 2}

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(policy, tt.retry), "retry %d", tt.retry)
	}

	constant := &models.RetryPolicy{BaseDelay: models.Duration(50 * time.Millisecond)}
	assert.Equal(t, 50*time.Millisecond, backoffDelay(constant, 3))
	assert.Zero(t, backoffDelay(nil, 1))
}

func TestMaxAttempts(t *testing.T) {
	retrying := testutil.TaskStep("a", "compute", testutil.WithRetry(2, 0, 1))
	assert.Equal(t, 3, maxAttempts(&retrying))

	plain := testutil.TaskStep("b", "compute")
	assert.Equal(t, 1, maxAttempts(&plain))

	script := testutil.CreateTestStep("c", models.StepKindScript, testutil.WithRetry(5, 0, 1))
	assert.Equal(t, 1, maxAttempts(&script), "only task steps retry")
}

func TestSleepStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := sleep(ctx, time.Hour)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name  string
		step  models.Step
		valid bool
	}{
		{"task ok", testutil.TaskStep("a", "compute"), true},
		{"task without type", testutil.CreateTestStep("a", models.StepKindTask), false},
		{"for loop without count", testutil.CreateTestStep("l", models.StepKindLoop,
			testutil.WithConfig(map[string]any{"type": "for", "steps": []any{"x"}})), false},
		{"foreach with token items", testutil.CreateTestStep("l", models.StepKindLoop,
			testutil.WithConfig(map[string]any{"type": "foreach", "items": "{{variables.list}}", "steps": []any{"x"}})), true},
		{"wait event without topic", testutil.CreateTestStep("w", models.StepKindWait,
			testutil.WithConfig(map[string]any{"type": "event"})), false},
		{"wait duration as ms", testutil.CreateTestStep("w", models.StepKindWait,
			testutil.WithConfig(map[string]any{"type": "duration", "duration": 250})), true},
		{"event awaiting response without name", testutil.CreateTestStep("e", models.StepKindEvent,
			testutil.WithConfig(map[string]any{"event": "ping", "waitForResponse": true})), false},
		{"bad condition type", testutil.CreateTestStep("c", models.StepKindCondition,
			testutil.WithConfig(map[string]any{"condition": map[string]any{"type": "approx", "left": 1}})), false},
		{"script", testutil.CreateTestStep("s", models.StepKindScript,
			testutil.WithConfig(map[string]any{"expression": "1 + 1"})), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(&tt.step)
			if tt.valid {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Equal(t, apperr.CodeMissingConfig, apperr.CodeOf(err))
		})
	}
}
