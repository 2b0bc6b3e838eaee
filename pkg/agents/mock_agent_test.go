package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/mocks"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newMockAgent(id string) *mocks.MockAgent {
	agent := &mocks.MockAgent{}
	agent.On("ID").Return(id)
	agent.On("Type").Return("mock")
	agent.On("Permissions").Return(models.Permissions{TaskTypes: []string{"compute"}})

	return agent
}

func TestSweep_SelfReportedUnhealthy(t *testing.T) {
	d, recorder := newTestDirectory(t)
	ctx := context.Background()

	agent := newMockAgent("m1")
	agent.On("Health", mock.Anything).Return(models.AgentHealth{Healthy: false, Reason: "overloaded"}, nil)

	_, err := d.Register(ctx, agent, nil, nil)
	require.NoError(t, err)

	d.Sweep(ctx)

	registration, ok := d.Get("m1")
	require.True(t, ok)
	assert.False(t, registration.Health.Healthy)
	assert.Equal(t, "overloaded", registration.Health.Reason)
	assert.Equal(t, 1, recorder.Count(events.AgentHealthChanged))

	_, err = d.Distribute(ctx, "compute", nil)
	assert.Equal(t, apperr.CodeNoSuitableAgent, apperr.CodeOf(err))

	agent.AssertExpectations(t)
}

func TestDistribute_AgentError(t *testing.T) {
	d, _ := newTestDirectory(t)
	ctx := context.Background()

	agent := newMockAgent("m2")
	agent.On("ExecuteTask", mock.Anything, mock.MatchedBy(func(task *models.AgentTask) bool {
		return task.Type == "compute" && task.Payload["n"] == 1
	})).Return(nil, errors.New("connection reset"))

	_, err := d.Register(ctx, agent, nil, nil)
	require.NoError(t, err)

	_, err = d.Distribute(ctx, "compute", map[string]any{"n": 1})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAgentExecution, apperr.KindOf(err))
	assert.ErrorContains(t, err, "connection reset")

	registration, ok := d.Get("m2")
	require.True(t, ok)
	assert.Equal(t, int64(0), registration.Load)

	agent.AssertExpectations(t)
}
