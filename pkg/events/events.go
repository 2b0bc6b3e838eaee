// Package events defines the lifecycle event types exchanged between the
// orchestration subsystems.
package events

import (
	"context"
	"strings"
	"time"
)

type EventType string

// Transport topic used when events are forwarded to an external broker.
const Topic = "agentflow.events"

// Metadata keys set on forwarded watermill messages.
const (
	EventIDMetadataKey    = "event_id"
	EventTypeMetadataKey  = "event_type"
	EventTopicMetadataKey = "event_topic"
)

const (
	// Workflow lifecycle events.
	WorkflowRegistered EventType = "workflow:registered"
	WorkflowStarted    EventType = "workflow:started"
	WorkflowRunning    EventType = "workflow:running"
	WorkflowCompleted  EventType = "workflow:completed"
	WorkflowFailed     EventType = "workflow:failed"
	WorkflowCancelled  EventType = "workflow:cancelled"

	// Step lifecycle events.
	StepStarted   EventType = "step:started"
	StepCompleted EventType = "step:completed"
	StepFailed    EventType = "step:failed"
	StepRetry     EventType = "step:retry"

	// Agent directory events.
	AgentRegistered    EventType = "agent:registered"
	AgentUnregistered  EventType = "agent:unregistered"
	AgentSelected      EventType = "agent:selected"
	AgentHealthChanged EventType = "agent:health_changed"

	// Security gate events.
	SecurityValidation       EventType = "security:validation"
	SecurityAgentQuarantined EventType = "security:agent_quarantined"
	SecurityAgentReleased    EventType = "security:agent_released"
	SecuritySecretsDetected  EventType = "security:secrets_detected"
)

// Category returns the part of the type before the colon ("workflow").
func (t EventType) Category() string {
	category, _, _ := strings.Cut(string(t), ":")

	return category
}

// Event is a single entry of the bus log.
type Event struct {
	ID        string         `json:"id"`
	Offset    int64          `json:"offset"`
	Type      EventType      `json:"type"`
	Source    string         `json:"source"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Signature string         `json:"signature,omitempty"`
}

// Clone returns a copy whose payload map can be mutated independently.
func (e Event) Clone() Event {
	out := e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}

	return out
}

// Notifier receives lifecycle notifications from the directory, the gate
// and the engine. The event bus implements it; the topic of a lifecycle
// event is its type.
type Notifier interface {
	Notify(ctx context.Context, source string, eventType EventType, payload map[string]any)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, source string, eventType EventType, payload map[string]any)

func (f NotifierFunc) Notify(ctx context.Context, source string, eventType EventType, payload map[string]any) {
	f(ctx, source, eventType, payload)
}

// Nop discards every notification.
var Nop Notifier = NotifierFunc(func(context.Context, string, EventType, map[string]any) {})
