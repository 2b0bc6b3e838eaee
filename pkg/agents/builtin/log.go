package builtin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/agentflow/pkg/models"
)

// LogTaskType is the task type served by the log agent.
const LogTaskType = "log"

// NewLogAgent creates an agent that writes payload["message"] at
// payload["level"] (debug, info, warn, error; default info).
func NewLogAgent(id string, logger *slog.Logger) *LogAgent {
	agent := &LogAgent{}
	agent.base = newBase(id, "log", models.Permissions{
		TaskTypes: []string{LogTaskType},
		Topics:    []string{"log:*"},
	}, logger)
	agent.run = agent.log

	return agent
}

type LogAgent struct {
	*base
}

func (a *LogAgent) log(ctx context.Context, task *models.AgentTask) (any, error) {
	message := fmt.Sprint(task.Payload["message"])
	if task.Payload["message"] == nil {
		message = ""
	}

	level := slog.LevelInfo

	if raw, ok := task.Payload["level"].(string); ok {
		switch strings.ToLower(raw) {
		case "debug":
			level = slog.LevelDebug
		case "warn", "warning":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	attrs := []any{"task_id", task.ID}
	if task.ExecutionID != "" {
		attrs = append(attrs, "execution_id", task.ExecutionID, "step_id", task.StepID)
	}

	if fields, ok := task.Payload["fields"].(map[string]any); ok {
		for k, v := range fields {
			attrs = append(attrs, k, v)
		}
	}

	a.logger.Log(ctx, level, message, attrs...)

	return map[string]any{
		"logged":  true,
		"message": message,
		"level":   level.String(),
	}, nil
}
