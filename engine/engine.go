package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/get-consistently/go-consistently/cache"
	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/retry"
	"github.com/get-consistently/go-consistently/transport"
)

// Runner is implemented by Transports that need a running loop
// to deliver Messages, such as transport.InMemory.
type Runner interface {
	Run(ctx context.Context) error
	Close()
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithTransport sets the Transport used by the Engine.
// By default, a new transport.InMemory instance is used.
func WithTransport(t transport.Transport) Option {
	return func(e *Engine) { e.transport = t }
}

// WithVersionStore sets the VersionStore used to record the progress
// of the Processors. By default, a new publish.InMemoryVersionStore is used.
func WithVersionStore(vs publish.VersionStore) Option {
	return func(e *Engine) { e.versions = vs }
}

// WithProcessors sets the Processors receiving the committed Event Streams.
func WithProcessors(processors ...publish.Processor) Option {
	return func(e *Engine) { e.processors = append(e.processors, processors...) }
}

// WithLogger sets the Logger used by the Engine and all its components.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine runs the full command-to-event pipeline on a single process.
//
// Use New to create a new instance, Run to start it, and Execute or Send
// to submit Commands.
type Engine struct {
	config     Config
	store      event.Store
	registry   *command.Registry
	transport  transport.Transport
	versions   publish.VersionStore
	processors []publish.Processor
	logger     logger.Logger

	cache      *cache.MemoryCache
	executor   *command.Executor
	publisher  *publish.Publisher
	correlator *correlation.Correlator
	service    *CommandService
	commands   *CommandConsumer
	retryLane  *RetryLane
}

// New returns a new Engine executing Commands with the Handlers in the Registry,
// committing Event Streams to the Event Store.
func New(config Config, store event.Store, registry *command.Registry, options ...Option) (*Engine, error) {
	e := &Engine{
		config:   config,
		store:    store,
		registry: registry,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.transport == nil {
		e.transport = transport.NewInMemory(transport.WithLogger(e.logger))
	}

	if e.versions == nil {
		e.versions = publish.NewInMemoryVersionStore()
	}

	policy := retry.Policy{
		MaxRetries: config.IORetries,
		Delay:      config.IORetryDelay,
		Logger:     e.logger,
	}

	processors := make([]publish.Processor, 0, len(e.processors))
	for _, p := range e.processors {
		processors = append(processors, correlation.ProcessorWrapper{Processor: p})
	}

	e.cache = cache.New(store, cache.WithLogger(e.logger))
	e.correlator = correlation.New(e.logger)

	e.publisher = publish.NewPublisher(e.versions, processors,
		publish.WithLogger(e.logger),
		publish.WithRetryPolicy(policy),
		publish.WithLanes(config.PublishLanes, config.LaneBuffer),
		publish.WithDeliveredHook(publishedReplier(e.transport, e.logger)),
		publish.WithGapFilling(store),
	)

	e.executor = command.NewExecutor(registry, store, e.cache,
		command.WithLogger(e.logger),
		command.WithIORetryPolicy(policy),
		command.WithMaxConcurrencyRetries(config.MaxConcurrencyRetries),
		command.WithPublisher(transportPublisher{sender: e.transport, topic: config.EventTopic}),
	)

	e.retryLane = NewRetryLane(config, e.transport, e.logger)
	e.commands = NewCommandConsumer(config, e.executor, e.transport, e.retryLane, e.logger)
	e.service = NewCommandService(config, e.transport, e.correlator, e.logger)

	subscriptions := map[string]transport.Handler{
		config.CommandTopic: e.commands.Handle,
		config.EventTopic:   NewEventConsumer(e.publisher, e.logger).Handle,
		config.ReplyTopic:   NewReplyConsumer(e.correlator, e.logger).Handle,
	}

	for topic, handler := range subscriptions {
		if err := e.transport.Subscribe(topic, handler); err != nil {
			return nil, fmt.Errorf("engine.New: failed to subscribe to '%s', %w", topic, err)
		}
	}

	return e, nil
}

// Cache returns the Memory Cache used by the Engine.
func (e *Engine) Cache() *cache.MemoryCache { return e.cache }

// Correlator returns the Result Correlator used by the Engine.
func (e *Engine) Correlator() *correlation.Correlator { return e.correlator }

// Run runs all the Engine components, until the context is done.
// All the components are closed when Run returns.
func (e *Engine) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return e.commands.Run(ctx) })
	group.Go(func() error { return e.publisher.Run(ctx) })
	group.Go(func() error { return e.retryLane.Run(ctx) })

	if runner, ok := e.transport.(Runner); ok {
		group.Go(func() error { return runner.Run(ctx) })
	}

	if e.config.CacheIdleTTL > 0 || e.config.SequenceIdleTTL > 0 {
		group.Go(func() error {
			e.sweep(ctx)
			return nil
		})
	}

	logger.Info(e.logger, "engine: started",
		logger.With("lanes", e.config.Lanes),
		logger.With("publishLanes", e.config.PublishLanes),
		logger.With("processors", len(e.processors)),
	)

	err := group.Wait()

	if runner, ok := e.transport.(Runner); ok {
		runner.Close()
	}

	e.commands.Close()
	e.publisher.Close()

	if err != nil {
		return fmt.Errorf("engine.Engine: stopped with error, %w", err)
	}

	logger.Info(e.logger, "engine: stopped")

	return nil
}

func (e *Engine) sweep(ctx context.Context) {
	ticker := time.NewTicker(e.config.CacheSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		if e.config.CacheIdleTTL > 0 {
			e.cache.EvictInactive(e.config.CacheIdleTTL)
		}

		if e.config.SequenceIdleTTL > 0 {
			e.publisher.EvictIdle(ctx, e.config.SequenceIdleTTL)
		}
	}
}

// Send sends the Command, without waiting for its Result.
func (e *Engine) Send(ctx context.Context, cmd command.Envelope) error {
	return e.service.Send(ctx, cmd)
}

// Execute sends the Command and waits until its Event Stream is appended,
// or the Command fails.
func (e *Engine) Execute(ctx context.Context, cmd command.Envelope) (command.Result, error) {
	return e.service.Execute(ctx, cmd, correlation.CompleteOnAppended)
}

// ExecuteAndWaitPublished sends the Command and waits until its Event Stream
// has been handled by all the Processors, or the Command fails.
func (e *Engine) ExecuteAndWaitPublished(ctx context.Context, cmd command.Envelope) (command.Result, error) {
	return e.service.Execute(ctx, cmd, correlation.CompleteOnPublished)
}

// WaitProcess registers a process id, returning the Future resolved once
// a Processor completes the process with CompleteProcess.
func (e *Engine) WaitProcess(processID string) (*correlation.Future, error) {
	future, err := e.correlator.Register(processID, correlation.CompleteOnPublished)
	if err != nil {
		return nil, fmt.Errorf("engine.Engine: failed to register process, %w", err)
	}

	return future, nil
}

// CompleteProcess completes the process with the specified id, resolving
// the Future returned by WaitProcess, if any is still waiting.
func (e *Engine) CompleteProcess(processID string, result command.Result) bool {
	result.CommandID = processID
	return e.correlator.Complete(processID, correlation.CompleteOnPublished, result)
}
