package web

import (
	"time"

	"github.com/dukex/agentflow/pkg/models"
)

// ExecuteWorkflowRequest is the body of POST /workflows/:id/execute.
type ExecuteWorkflowRequest struct {
	Variables map[string]any `json:"variables"`
	Wait      bool           `json:"wait"`
	Timeout   string         `json:"timeout,omitempty"`
}

// ExecuteWorkflowResponse is returned when the caller does not wait.
type ExecuteWorkflowResponse struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}

// SubmitTaskRequest is the body of POST /tasks.
type SubmitTaskRequest struct {
	Type    string         `json:"type"    validate:"required"`
	Payload map[string]any `json:"payload"`
}

// PublishEventRequest is the body of POST /events. The source is the
// calling principal.
type PublishEventRequest struct {
	Type    string         `json:"type"  validate:"required_without=Topic"`
	Topic   string         `json:"topic" validate:"required_without=Type"`
	Payload map[string]any `json:"payload"`
}

// ScanRequest is the body of POST /security/scan.
type ScanRequest struct {
	Text string `json:"text" validate:"required"`
}

// AgentResponse is the public view of a registration.
type AgentResponse struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Tags         []string           `json:"tags"`
	Capabilities []string           `json:"capabilities"`
	Permissions  models.Permissions `json:"permissions"`
	Healthy      bool               `json:"healthy"`
	Load         int64              `json:"load"`
	LastSeen     time.Time          `json:"last_seen"`
	Transport    string             `json:"transport,omitempty"`
}

// TransformAgentResponse flattens a registration for the API.
func TransformAgentResponse(registration *models.AgentRegistration) AgentResponse {
	response := AgentResponse{
		ID:           registration.ID,
		Type:         registration.Type,
		Tags:         registration.Tags,
		Capabilities: registration.Capabilities,
		Permissions:  registration.Permissions,
		Healthy:      registration.Health.Healthy,
		Load:         registration.Load,
		LastSeen:     registration.LastSeen,
	}

	if registration.Endpoint != nil {
		response.Transport = registration.Endpoint.Transport
	}

	return response
}
