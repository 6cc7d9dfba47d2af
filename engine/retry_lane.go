package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/transport"
)

type scheduledCommand struct {
	cmd command.Envelope
	at  time.Time
}

// RetryLane re-sends Commands that failed because of storage failures,
// after a delay, decrementing their retry budget.
//
// Commands are re-sent in the order they have been scheduled. A Command
// that cannot be re-sent is replied to with a Failed(IO) Result.
type RetryLane struct {
	sender transport.Sender
	topic  string
	delay  time.Duration
	queue  chan scheduledCommand
	logger logger.Logger
}

// NewRetryLane returns a new RetryLane re-sending Commands to the command topic.
func NewRetryLane(config Config, sender transport.Sender, l logger.Logger) *RetryLane {
	return &RetryLane{
		sender: sender,
		topic:  config.CommandTopic,
		delay:  config.RetryLaneDelay,
		queue:  make(chan scheduledCommand, config.LaneBuffer),
		logger: l,
	}
}

// Schedule schedules the Command to be re-sent after the lane delay.
//
// False is returned if the lane is full: the Command has not been
// scheduled, and the caller is still in charge of replying with its Result.
func (l *RetryLane) Schedule(cmd command.Envelope) bool {
	cmd.RetryBudget--

	select {
	case l.queue <- scheduledCommand{cmd: cmd, at: time.Now().Add(l.delay)}:
		logger.Info(l.logger, "engine: command scheduled for retry",
			logger.With("commandId", cmd.ID),
			logger.With("retryBudget", cmd.RetryBudget),
			logger.With("delay", l.delay),
		)

		return true
	default:
		logger.Warn(l.logger, "engine: retry lane is full, command not scheduled",
			logger.With("commandId", cmd.ID),
		)

		return false
	}
}

// Run re-sends the scheduled Commands until the context is done.
func (l *RetryLane) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		var scheduled scheduledCommand

		select {
		case scheduled = <-l.queue:
		case <-ctx.Done():
			return nil
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(time.Until(scheduled.at))

		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil
		}

		err := l.sender.Send(ctx, transport.Message{
			Topic:    l.topic,
			Key:      scheduled.cmd.AggregateID,
			Payload:  scheduled.cmd,
			Metadata: scheduled.cmd.Metadata,
		})
		if err != nil {
			err = fmt.Errorf("engine.RetryLane: failed to re-send command, %w", err)

			logger.Error(l.logger, "engine: failed to re-send command",
				logger.With("commandId", scheduled.cmd.ID),
				logger.Err(err),
			)

			sendReply(ctx, l.sender, l.logger, scheduled.cmd.Metadata.Get(message.ReplyTopicKey),
				correlation.CompleteOnAppended, command.Failed(scheduled.cmd, command.FailureIO, err))
		}
	}
}
