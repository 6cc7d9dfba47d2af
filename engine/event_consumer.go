package engine

import (
	"context"

	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/transport"
)

// EventConsumer receives committed Event Streams from the Transport and
// hands them to the Publisher, acknowledging them once delivered to all
// the Processors.
type EventConsumer struct {
	publisher *publish.Publisher
	logger    logger.Logger
}

// NewEventConsumer returns a new EventConsumer instance.
func NewEventConsumer(publisher *publish.Publisher, l logger.Logger) *EventConsumer {
	return &EventConsumer{publisher: publisher, logger: l}
}

// Handle implements transport.Handler.
func (c *EventConsumer) Handle(ctx context.Context, d transport.Delivery) {
	stream, ok := d.Payload.(event.Stream)
	if !ok {
		logger.Error(c.logger, "engine: unexpected event stream payload, discarding",
			logger.With("topic", d.Topic),
			logger.With("payload", d.Payload),
		)

		d.Ack()

		return
	}

	if err := c.publisher.Deliver(ctx, stream, d.Ack); err != nil {
		logger.Warn(c.logger, "engine: failed to hand event stream over, waiting for redelivery",
			logger.With("stream", stream.String()),
			logger.Err(err),
		)

		d.Nack()
	}
}

// publishedReplier returns the Publisher hook replying to the caller
// of the Command that produced a delivered Event Stream.
func publishedReplier(sender transport.Sender, l logger.Logger) func(ctx context.Context, stream event.Stream) {
	return func(ctx context.Context, stream event.Stream) {
		sendReply(ctx, sender, l, stream.Items.Get(message.ReplyTopicKey), correlation.CompleteOnPublished, resultOf(stream))
	}
}

// transportPublisher hands committed Event Streams to the Transport.
type transportPublisher struct {
	sender transport.Sender
	topic  string
}

func (p transportPublisher) Publish(ctx context.Context, stream event.Stream) error {
	return p.sender.Send(ctx, transport.Message{
		Topic:    p.topic,
		Key:      stream.AggregateID,
		Payload:  stream,
		Metadata: stream.Items,
	})
}
