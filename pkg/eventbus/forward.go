package eventbus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/agentflow/pkg/events"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const originMetadataKey = "origin"

func (b *Bus) forward(ctx context.Context, event events.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.logger.ErrorContext(ctx, "Failed to encode event for transport", "event_id", event.ID, "error", err)

		return
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(events.EventIDMetadataKey, event.ID)
	msg.Metadata.Set(events.EventTypeMetadataKey, string(event.Type))
	msg.Metadata.Set(events.EventTopicMetadataKey, event.Topic)
	msg.Metadata.Set(originMetadataKey, b.instanceID)

	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(msg.Metadata))

	if err := b.publisher.Publish(events.Topic, msg); err != nil {
		b.logger.ErrorContext(ctx, "Failed to forward event", "event_id", event.ID, "error", err)
	}
}

// Bridge consumes events forwarded by other buses on the same transport and
// delivers them to local subscribers. Events this bus forwarded itself are
// ignored, and bridged events are not forwarded again.
func (b *Bus) Bridge(ctx context.Context, subscriber message.Subscriber) error {
	messages, err := subscriber.Subscribe(ctx, events.Topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range messages {
			if msg.Metadata.Get(originMetadataKey) == b.instanceID {
				msg.Ack()

				continue
			}

			var event events.Event
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.ErrorContext(ctx, "Dropping malformed event", "message_uuid", msg.UUID, "error", err)
				msg.Ack()

				continue
			}

			msgCtx := otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Metadata))

			if len(b.signingKey) > 0 && !b.Verify(event) {
				b.logger.WarnContext(msgCtx, "Dropping event with invalid signature", "event_id", event.ID)
				msg.Ack()

				continue
			}

			b.appendAndDeliver(msgCtx, event)
			msg.Ack()
		}
	}()

	return nil
}
