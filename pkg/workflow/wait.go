package workflow

import (
	"context"
	"time"

	"github.com/dukex/agentflow/pkg/apperr"
	"github.com/dukex/agentflow/pkg/events"
	"github.com/dukex/agentflow/pkg/models"
	"github.com/dukex/agentflow/pkg/template"
	"github.com/google/uuid"
)

const (
	opWait  = "workflow.runWait"
	opEvent = "workflow.runEvent"

	defaultWaitTimeout = time.Minute
	correlationKey     = "correlationId"
)

func (e *Engine) runWait(ctx context.Context, r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[waitConfig](step)
	if err != nil {
		return nil, err
	}

	started := time.Now()

	switch cfg.Type {
	case "duration":
		if err := sleep(ctx, cfg.Duration.Std()); err != nil {
			return nil, err
		}

		return map[string]any{"waited_ms": time.Since(started).Milliseconds()}, nil
	case "condition":
		return e.waitCondition(ctx, r, cfg, started)
	case "event":
		event, err := e.waitEvent(ctx, cfg.Event, cfg.Timeout.Std(), nil)
		if err != nil {
			return nil, err
		}

		return map[string]any{
			"event":     eventResult(event),
			"waited_ms": time.Since(started).Milliseconds(),
		}, nil
	default:
		return nil, apperr.Newf(apperr.KindValidation, opWait, apperr.CodeMissingConfig, "unknown wait type %q", cfg.Type)
	}
}

// waitCondition polls the condition until it holds or the timeout elapses.
func (e *Engine) waitCondition(ctx context.Context, r *run, cfg waitConfig, started time.Time) (any, error) {
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		passed, err := evaluateCondition(*cfg.Condition, r.scope())
		if err != nil {
			return nil, err
		}

		if passed {
			return map[string]any{"result": true, "waited_ms": time.Since(started).Milliseconds()}, nil
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			return nil, apperr.Newf(apperr.KindTimeout, opWait, apperr.CodeWaitTimeout, "condition not met within %s", timeout)
		}
	}
}

// waitEvent subscribes to topic and returns the first event accepted by
// match. A zero timeout waits until ctx is done.
func (e *Engine) waitEvent(ctx context.Context, topic string, timeout time.Duration, match func(events.Event) bool) (events.Event, error) {
	received, unsubscribe, err := e.subscribeOnce(ctx, topic, match)
	if err != nil {
		return events.Event{}, err
	}
	defer unsubscribe()

	return awaitEvent(ctx, received, timeout, apperr.CodeWaitTimeout, opWait)
}

func (e *Engine) subscribeOnce(ctx context.Context, topic string, match func(events.Event) bool) (<-chan events.Event, func(), error) {
	if e.bus == nil {
		return nil, nil, apperr.New(apperr.KindValidation, opWait, apperr.CodeInvalidDefinition, "event bus is not configured")
	}

	received := make(chan events.Event, 1)

	id, err := e.bus.Subscribe(ctx, topic, e.principal, func(_ context.Context, event events.Event) error {
		if match != nil && !match(event) {
			return nil
		}

		select {
		case received <- event:
		default:
		}

		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return received, func() { e.bus.Remove(id) }, nil
}

func awaitEvent(ctx context.Context, received <-chan events.Event, timeout time.Duration, code, op string) (events.Event, error) {
	waitCtx := ctx
	cancel := context.CancelFunc(func() {})

	if timeout > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	select {
	case event := <-received:
		return event, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return events.Event{}, ctx.Err()
		}

		return events.Event{}, apperr.Newf(apperr.KindTimeout, op, code, "no event within %s", timeout)
	}
}

// runEvent publishes an event and optionally waits for the response that
// carries the same correlation id.
func (e *Engine) runEvent(ctx context.Context, r *run, step *models.Step) (any, error) {
	cfg, err := decodeConfig[eventConfig](step)
	if err != nil {
		return nil, err
	}

	if e.bus == nil {
		return nil, apperr.New(apperr.KindValidation, opEvent, apperr.CodeInvalidDefinition, "event bus is not configured")
	}

	payload := template.InterpolateMap(cfg.Payload, r.scope())

	correlationID := cfg.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	} else {
		correlationID = template.Resolve(correlationID, r.scope())
	}

	payload[correlationKey] = correlationID
	payload["executionId"] = r.execution.ID
	payload["stepId"] = step.ID

	var (
		received    <-chan events.Event
		unsubscribe = func() {}
	)

	if cfg.WaitForResponse {
		received, unsubscribe, err = e.subscribeOnce(ctx, cfg.ResponseEvent, func(event events.Event) bool {
			id, _ := event.Payload[correlationKey].(string)

			return id == correlationID
		})
		if err != nil {
			return nil, err
		}
	}
	defer unsubscribe()

	published, err := e.bus.Publish(ctx, events.Event{
		Type:    events.EventType(cfg.Event),
		Topic:   cfg.Topic,
		Source:  e.principal,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"event":         eventResult(published.Event),
		"delivered":     published.Delivered,
		correlationKey: correlationID,
	}

	if !cfg.WaitForResponse {
		return result, nil
	}

	response, err := awaitEvent(ctx, received, cfg.ResponseTimeout.Std(), apperr.CodeResponseTimeout, opEvent)
	if err != nil {
		return nil, err
	}

	result["response"] = eventResult(response)

	return result, nil
}

func eventResult(event events.Event) map[string]any {
	return map[string]any{
		"id":      event.ID,
		"offset":  event.Offset,
		"type":    string(event.Type),
		"topic":   event.Topic,
		"source":  event.Source,
		"payload": cloneMap(event.Payload),
	}
}
