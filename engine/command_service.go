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

// CommandService is the client side of the pipeline: it sends Commands
// through the Transport and waits for their Results.
type CommandService struct {
	sender      transport.Sender
	correlator  *correlation.Correlator
	topic       string
	replyTopic  string
	timeout     time.Duration
	retryBudget int
	logger      logger.Logger
}

// NewCommandService returns a new CommandService sending Commands to the
// command topic and expecting Results on the reply topic of the Config.
func NewCommandService(
	config Config,
	sender transport.Sender,
	correlator *correlation.Correlator,
	l logger.Logger,
) *CommandService {
	return &CommandService{
		sender:      sender,
		correlator:  correlator,
		topic:       config.CommandTopic,
		replyTopic:  config.ReplyTopic,
		timeout:     config.DefaultTimeout,
		retryBudget: config.RetryBudget,
		logger:      l,
	}
}

func (s *CommandService) prepare(ctx context.Context, cmd command.Envelope, reply bool) command.Envelope {
	cmd = correlation.Stamp(ctx, cmd)

	if reply {
		cmd.Metadata = cmd.Metadata.With(message.ReplyTopicKey, s.replyTopic)
	}

	if cmd.RetryBudget == 0 {
		cmd.RetryBudget = s.retryBudget
	}

	return cmd
}

func (s *CommandService) send(ctx context.Context, cmd command.Envelope) error {
	err := s.sender.Send(ctx, transport.Message{
		Topic:    s.topic,
		Key:      cmd.AggregateID,
		Payload:  cmd,
		Metadata: cmd.Metadata,
	})
	if err != nil {
		return fmt.Errorf("engine.CommandService: failed to send command '%s', %w", cmd.ID, err)
	}

	return nil
}

// Send sends the Command without waiting for its Result.
func (s *CommandService) Send(ctx context.Context, cmd command.Envelope) error {
	return s.send(ctx, s.prepare(ctx, cmd, false))
}

// Execute sends the Command and waits for its Result, with the specified
// completion granularity.
//
// The wait is bounded by the Command timeout, or by the default timeout
// if the Command has none. An error wrapping command.ErrTimeout is returned
// when no Result arrives in time, which does not stop the Command execution.
func (s *CommandService) Execute(
	ctx context.Context,
	cmd command.Envelope,
	granularity correlation.Granularity,
) (command.Result, error) {
	cmd = s.prepare(ctx, cmd, true)

	future, err := s.correlator.Register(cmd.ID, granularity)
	if err != nil {
		return command.Result{}, fmt.Errorf("engine.CommandService: failed to register command, %w", err)
	}

	if err := s.send(ctx, cmd); err != nil {
		logger.Error(s.logger, "engine: failed to send command",
			logger.With("commandId", cmd.ID),
			logger.Err(err),
		)

		s.correlator.NotifySendFailed(cmd.ID, err)
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = s.timeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := future.Wait(ctx)
	if err != nil {
		return result, fmt.Errorf("engine.CommandService: command '%s', %w", cmd.ID, err)
	}

	return result, nil
}
