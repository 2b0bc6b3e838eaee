package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"milliseconds", `1500`, 1500 * time.Millisecond, false},
		{"string", `"1.5s"`, 1500 * time.Millisecond, false},
		{"empty string", `""`, 0, false},
		{"null", `null`, 0, false},
		{"invalid string", `"soon"`, 0, true},
		{"invalid type", `true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration

			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(data))
}

func TestMatchAny(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		value    string
		want     bool
	}{
		{"wildcard", []string{"*"}, "anything", true},
		{"exact", []string{"fetch", "store"}, "store", true},
		{"glob prefix", []string{"step:*"}, "step:started", true},
		{"glob mismatch", []string{"step:*"}, "workflow:started", false},
		{"empty", nil, "fetch", false},
		{"malformed pattern", []string{"[abc"}, "a", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchAny(tt.patterns, tt.value))
		})
	}
}

func TestAgentMetrics_ErrorRate(t *testing.T) {
	assert.InDelta(t, 0.0, AgentMetrics{}.ErrorRate(), 1e-9)
	assert.InDelta(t, 0.25, AgentMetrics{Completed: 3, Errored: 1}.ErrorRate(), 1e-9)
}

func TestWorkflowDefinition_StepByID(t *testing.T) {
	def := WorkflowDefinition{Steps: []Step{{ID: "a"}, {ID: "b"}}}

	step, ok := def.StepByID("b")
	require.True(t, ok)
	assert.Equal(t, "b", step.ID)

	_, ok = def.StepByID("c")
	assert.False(t, ok)
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.False(t, ExecutionStatusPending.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
}
