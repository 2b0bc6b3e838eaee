// Package gochannel provides the in-process watermill transport used when no
// external broker is configured.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const defaultBuffer = 1000

// CreateChannel returns a GoChannel that is both the publisher and the
// subscriber of the bus forwarder. A buffer of 0 uses the default.
func CreateChannel(logger watermill.LoggerAdapter, buffer int64) *gochannel.GoChannel {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)
}
