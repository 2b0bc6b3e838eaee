// Package agents implements the agent directory: registration, capability
// discovery, load-balanced selection and health monitoring of worker agents.
package agents

import (
	"context"

	"github.com/dukex/agentflow/pkg/models"
)

// Agent is a worker able to execute tasks. Implementations must be safe for
// concurrent use.
type Agent interface {
	ID() string
	Type() string
	ExecuteTask(ctx context.Context, task *models.AgentTask) (*models.TaskResult, error)
	CancelTask(ctx context.Context, taskID string) (bool, error)
	// Health returns the self-reported state. An error means the agent could
	// not be reached.
	Health(ctx context.Context) (models.AgentHealth, error)
	Permissions() models.Permissions
}

// Remote is implemented by agents reached over a transport. The endpoint is
// persisted with the registration so a Factory can rebuild the agent.
type Remote interface {
	Endpoint() *models.AgentEndpoint
}

// Factory rebuilds an agent from a persisted registration.
type Factory func(ctx context.Context, registration *models.AgentRegistration) (Agent, error)
