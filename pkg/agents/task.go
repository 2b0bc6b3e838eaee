package agents

import (
	"github.com/dukex/agentflow/pkg/models"
	"github.com/google/uuid"
)

// NewTask builds a task with a fresh id.
func NewTask(taskType string, payload map[string]any) *models.AgentTask {
	if payload == nil {
		payload = map[string]any{}
	}

	return &models.AgentTask{
		ID:      uuid.NewString(),
		Type:    taskType,
		Payload: payload,
	}
}
