package engine

import (
	"context"
	"fmt"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/mailbox"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/transport"
)

type processingCommand struct {
	cmd      command.Envelope
	delivery transport.Delivery
}

// CommandConsumer is the server side of the pipeline: it receives Commands
// from the Transport, routes them to the mailbox lane of their Aggregate
// and executes them, replying with their Result.
//
// Commands failing because of storage failures are handed to the RetryLane
// while their retry budget allows it. Commands whose Event Stream could not
// be published are negatively acknowledged, to be delivered again.
type CommandConsumer struct {
	executor  *command.Executor
	router    *mailbox.Router[processingCommand]
	sender    transport.Sender
	retryLane *RetryLane
	logger    logger.Logger
}

// NewCommandConsumer returns a new CommandConsumer instance.
func NewCommandConsumer(
	config Config,
	executor *command.Executor,
	sender transport.Sender,
	retryLane *RetryLane,
	l logger.Logger,
) *CommandConsumer {
	c := &CommandConsumer{
		executor:  executor,
		sender:    sender,
		retryLane: retryLane,
		logger:    l,
	}

	c.router = mailbox.New("commands", config.Lanes, config.LaneBuffer, c.process)

	return c
}

// Run executes the received Commands until the context is done.
func (c *CommandConsumer) Run(ctx context.Context) error {
	if err := c.router.Run(ctx); err != nil {
		return fmt.Errorf("engine.CommandConsumer: failed to run, %w", err)
	}

	return nil
}

// Close stops accepting Commands.
func (c *CommandConsumer) Close() { c.router.Close() }

// Handle implements transport.Handler.
func (c *CommandConsumer) Handle(ctx context.Context, d transport.Delivery) {
	cmd, ok := d.Payload.(command.Envelope)
	if !ok {
		logger.Error(c.logger, "engine: unexpected command payload, discarding",
			logger.With("topic", d.Topic),
			logger.With("payload", d.Payload),
		)

		d.Ack()

		return
	}

	if err := c.router.Route(ctx, cmd.AggregateID, processingCommand{cmd: cmd, delivery: d}); err != nil {
		logger.Warn(c.logger, "engine: failed to route command, waiting for redelivery",
			logger.With("commandId", cmd.ID),
			logger.Err(err),
		)

		d.Nack()
	}
}

func (c *CommandConsumer) process(ctx context.Context, pc processingCommand) {
	result := c.executor.Execute(ctx, pc.cmd)
	replyTopic := pc.cmd.Metadata.Get(message.ReplyTopicKey)

	switch {
	case result.Unpublished:
		// The Command is committed, but its Event Stream never reached the
		// Processors: the redelivery publishes it again as a duplicate.
		sendReply(ctx, c.sender, c.logger, replyTopic, correlation.CompleteOnAppended, result)

		logger.Warn(c.logger, "engine: event stream not published, waiting for command redelivery",
			logger.With("commandId", pc.cmd.ID),
			logger.With("version", result.Version),
		)

		pc.delivery.Nack()

		return

	case result.Kind.Retryable() && pc.cmd.RetryBudget > 0 && c.retryLane != nil:
		if c.retryLane.Schedule(pc.cmd) {
			pc.delivery.Ack()
			return
		}
	}

	sendReply(ctx, c.sender, c.logger, replyTopic, correlation.CompleteOnAppended, result)
	pc.delivery.Ack()
}
