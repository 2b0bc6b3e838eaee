package models

import (
	"path"
	"time"
)

// Permissions is the permission set an agent declares at registration.
// Entries are exact names, "*" or glob patterns.
type Permissions struct {
	TaskTypes []string `json:"task_types,omitempty"`
	Secrets   []string `json:"secrets,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// AllowsTaskType reports whether taskType is granted.
func (p Permissions) AllowsTaskType(taskType string) bool { return MatchAny(p.TaskTypes, taskType) }

// AllowsTopic reports whether topic is granted.
func (p Permissions) AllowsTopic(topic string) bool { return MatchAny(p.Topics, topic) }

// AllowsSecret reports whether the named secret is granted.
func (p Permissions) AllowsSecret(name string) bool { return MatchAny(p.Secrets, name) }

// AllowsAction reports whether action is granted.
func (p Permissions) AllowsAction(action string) bool { return MatchAny(p.Actions, action) }

// MatchAny reports whether name equals one of patterns, or matches one as a
// glob ("*" grants everything, "step:*" a prefix).
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if pattern == "*" || pattern == name {
			return true
		}

		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}

	return false
}

// AgentMetrics are running counters reported by the agent itself.
type AgentMetrics struct {
	Completed    int64   `json:"completed"`
	Errored      int64   `json:"errored"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// ErrorRate is errored/(errored+completed), 0 when nothing ran yet.
func (m AgentMetrics) ErrorRate() float64 {
	total := m.Completed + m.Errored
	if total == 0 {
		return 0
	}

	return float64(m.Errored) / float64(total)
}

// AgentHealth is the last known health of an agent.
type AgentHealth struct {
	Healthy   bool         `json:"healthy"`
	Reason    string       `json:"reason,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Metrics   AgentMetrics `json:"metrics"`
}

// AgentEndpoint describes how to reach a remote agent so it can be rebuilt
// after a restart.
type AgentEndpoint struct {
	Transport string            `json:"transport"`
	Address   string            `json:"address,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
}

// AgentRegistration is the directory's record of an agent.
type AgentRegistration struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Tags         []string       `json:"tags"`
	Capabilities []string       `json:"capabilities"`
	Permissions  Permissions    `json:"permissions"`
	Health       AgentHealth    `json:"health"`
	Metrics      AgentMetrics   `json:"metrics"`
	Endpoint     *AgentEndpoint `json:"endpoint,omitempty"`
	Load         int64          `json:"load"`
	LastSeen     time.Time      `json:"last_seen"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// AgentTask is the unit of work sent to an agent.
type AgentTask struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Payload     map[string]any `json:"payload"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	Timeout     Duration       `json:"timeout,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskResult is what an agent reports back for a task.
type TaskResult struct {
	TaskID     string  `json:"task_id"`
	Success    bool    `json:"success"`
	Data       any     `json:"data,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs float64 `json:"duration_ms,omitempty"`
}
