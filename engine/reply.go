package engine

import (
	"context"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/transport"
)

// Reply is the Transport payload carrying a Command Result back to the caller.
type Reply struct {
	Stage  correlation.Granularity
	Result command.Result
}

// ReplyConsumer completes the pending Command registrations
// with the Replies received from the Transport.
type ReplyConsumer struct {
	correlator *correlation.Correlator
	logger     logger.Logger
}

// NewReplyConsumer returns a new ReplyConsumer instance.
func NewReplyConsumer(correlator *correlation.Correlator, l logger.Logger) *ReplyConsumer {
	return &ReplyConsumer{correlator: correlator, logger: l}
}

// Handle implements transport.Handler.
func (c *ReplyConsumer) Handle(_ context.Context, d transport.Delivery) {
	defer d.Ack()

	reply, ok := d.Payload.(Reply)
	if !ok {
		logger.Error(c.logger, "engine: unexpected reply payload, discarding",
			logger.With("topic", d.Topic),
			logger.With("payload", d.Payload),
		)

		return
	}

	c.correlator.Complete(reply.Result.CommandID, reply.Stage, reply.Result)
}

func sendReply(
	ctx context.Context,
	sender transport.Sender,
	l logger.Logger,
	topic string,
	stage correlation.Granularity,
	result command.Result,
) {
	if topic == "" {
		return
	}

	err := sender.Send(ctx, transport.Message{
		Topic:   topic,
		Key:     result.CommandID,
		Payload: Reply{Stage: stage, Result: result},
	})
	if err != nil {
		logger.Error(l, "engine: failed to send command reply",
			logger.With("topic", topic),
			logger.With("commandId", result.CommandID),
			logger.Err(err),
		)
	}
}

func resultOf(stream event.Stream) command.Result {
	return command.Result{
		CommandID:   stream.CommandID,
		AggregateID: stream.AggregateID,
		Status:      command.StatusSuccess,
		Version:     stream.Version,
	}
}
