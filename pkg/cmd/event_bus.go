package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dukex/agentflow/pkg/channels/gochannel"
	"github.com/dukex/agentflow/pkg/channels/kafka"
)

// Event transports the bus can forward through.
const (
	TransportNone      = "none"
	TransportGoChannel = "gochannel"
	TransportKafka     = "kafka"
)

// NewEventTransport builds the watermill publisher and subscriber the bus
// forwards events through. "none" returns nils and keeps events local.
//
// nolint:ireturn
func NewEventTransport(provider, brokers string, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	adapter := watermill.NewSlogLogger(logger)

	switch provider {
	case "", TransportNone:
		return nil, nil, nil
	case TransportGoChannel:
		channel := gochannel.CreateChannel(adapter, 0)

		return channel, channel, nil
	case TransportKafka:
		pub, sub, err := kafka.CreateChannel(adapter, kafka.ParseBrokers(brokers), "agentflow")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Kafka pub/sub: %w", err)
		}

		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
