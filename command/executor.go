package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/retry"
)

// DefaultMaxConcurrencyRetries is the number of times a Command is handled
// again after a version conflict, before giving up with StatusConcurrencyConflict.
const DefaultMaxConcurrencyRetries = 3

// DefaultIORetryPolicy is the retry policy used on transient storage failures.
var DefaultIORetryPolicy = retry.Policy{
	MaxRetries: 3,
	Delay:      10 * time.Millisecond,
}

// ErrHandlerPanic is used as Failed Result cause when a Handler panics.
var ErrHandlerPanic = errors.New("command: handler panicked")

// Publisher hands committed Event Streams over to the publishing path.
//
// Publish might be called more than once for the same Event Stream,
// e.g. when a Command is redelivered: implementations must be idempotent.
type Publisher interface {
	Publish(ctx context.Context, stream event.Stream) error
}

// PublisherFunc is a functional implementation of the Publisher interface.
type PublisherFunc func(ctx context.Context, stream event.Stream) error

// Publish implements the Publisher interface.
func (fn PublisherFunc) Publish(ctx context.Context, stream event.Stream) error {
	return fn(ctx, stream)
}

// ExecutorOption configures an Executor instance.
type ExecutorOption func(*Executor)

// WithPublisher sets the Publisher receiving every committed Event Stream.
func WithPublisher(p Publisher) ExecutorOption {
	return func(e *Executor) { e.publisher = p }
}

// WithLogger sets the Logger used by the Executor.
func WithLogger(l logger.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithIORetryPolicy overrides DefaultIORetryPolicy.
func WithIORetryPolicy(p retry.Policy) ExecutorOption {
	return func(e *Executor) { e.ioPolicy = p }
}

// WithMaxConcurrencyRetries overrides DefaultMaxConcurrencyRetries.
func WithMaxConcurrencyRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxConcurrencyRetries = n }
}

// WithClock overrides the clock used to timestamp Event Streams.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// Executor executes Commands: it runs their Handler, commits the resulting
// Event Stream to the Event Store and hands it over to the Publisher.
//
// The Executor is not safe for concurrent executions on the same Aggregate:
// Commands targeting the same Aggregate must be serialized by the caller,
// e.g. using a mailbox.Router keyed by the Command aggregate id.
type Executor struct {
	registry              *Registry
	store                 event.Store
	cache                 Cache
	publisher             Publisher
	logger                logger.Logger
	ioPolicy              retry.Policy
	maxConcurrencyRetries int
	now                   func() time.Time
}

// NewExecutor returns a new Executor instance.
func NewExecutor(registry *Registry, store event.Store, cache Cache, options ...ExecutorOption) *Executor {
	e := &Executor{
		registry:              registry,
		store:                 store,
		cache:                 cache,
		ioPolicy:              DefaultIORetryPolicy,
		maxConcurrencyRetries: DefaultMaxConcurrencyRetries,
		now:                   time.Now,
	}

	for _, opt := range options {
		opt(e)
	}

	if e.ioPolicy.Logger == nil {
		e.ioPolicy.Logger = e.logger
	}

	return e
}

// Execute executes the Command, returning its terminal outcome.
//
// Execute never returns an error: every failure is reported as a Result.
func (e *Executor) Execute(ctx context.Context, cmd Envelope) Result {
	handler, err := e.registry.Resolve(cmd.Name())
	switch {
	case errors.Is(err, ErrNoHandlerFound):
		return e.report(Failed(cmd, FailureNoHandler, err))
	case errors.Is(err, ErrMultipleHandlers):
		return e.report(Failed(cmd, FailureMultipleHandlers, err))
	}

	for attempt := 1; ; attempt++ {
		result, conflict := e.handle(ctx, handler, cmd)
		if !conflict {
			return e.report(result)
		}

		if attempt > e.maxConcurrencyRetries {
			return e.report(Result{
				CommandID:   cmd.ID,
				AggregateID: cmd.AggregateID,
				Status:      StatusConcurrencyConflict,
				Message:     fmt.Sprintf("version conflict persisted after %d attempts", attempt),
			})
		}

		logger.Info(e.logger, "command: version conflict, handling command again",
			logger.With("command", cmd.Name()),
			logger.With("commandId", cmd.ID),
			logger.With("aggregateId", cmd.AggregateID),
			logger.With("attempt", attempt),
		)
	}
}

func (e *Executor) report(result Result) Result {
	fields := []logger.Field{
		logger.With("commandId", result.CommandID),
		logger.With("aggregateId", result.AggregateID),
		logger.With("status", result.Status.String()),
		logger.With("version", result.Version),
	}

	if result.Succeeded() {
		logger.Debug(e.logger, "command: executed", append(fields, logger.With("duplicate", result.Duplicate))...)
		return result
	}

	logger.Error(e.logger, "command: execution failed",
		append(fields, logger.With("kind", result.Kind.String()), logger.With("message", result.Message))...)

	return result
}

// handle runs a single handling cycle of the Command. The boolean is true
// when the cycle ended with a version conflict and should be run again.
func (e *Executor) handle(ctx context.Context, handler Handler, cmd Envelope) (Result, bool) {
	hctx := newContext(e.cache, e.ioPolicy)

	if err := invoke(ctx, handler, hctx, cmd); err != nil {
		hctx.discard()
		return e.handlerFailed(ctx, cmd, err), false
	}

	dirty := hctx.dirty()

	switch len(dirty) {
	case 0:
		return Result{
			CommandID:   cmd.ID,
			AggregateID: cmd.AggregateID,
			Status:      StatusNothingChanged,
			Payload:     hctx.result,
			Version:     hctx.versionOf(cmd.AggregateID),
		}, false
	case 1:
	default:
		hctx.discard()
		return Failed(cmd, FailureTooManyDirtyAggregates,
			fmt.Errorf("%w, %d aggregates", ErrTooManyDirtyAggregates, len(dirty))), false
	}

	target := dirty[0]
	stream := e.streamFor(cmd, target)

	appendResult, err := e.append(ctx, stream)

	switch {
	case errors.Is(err, event.ErrVersionGap):
		e.refresh(ctx, target)
		return Result{}, true
	case event.IsPermanent(err):
		hctx.discard()
		return Failed(cmd, FailureInvalidStream, err), false
	case err != nil:
		hctx.discard()
		return Failed(cmd, FailureIO, err), false
	}

	switch appendResult {
	case event.AppendDuplicateVersion:
		e.refresh(ctx, target)
		return Result{}, true

	case event.AppendDuplicateCommand:
		hctx.discard()
		return e.duplicate(ctx, cmd, stream.AggregateID), false

	case event.AppendSuccess:
	}

	if err := e.cache.AcceptChanges(target.typ, target.root, stream); err != nil {
		e.cache.Evict(target.typ, stream.AggregateID)
		logger.Warn(e.logger, "command: failed to accept changes in cache, aggregate evicted",
			logger.With("aggregateId", stream.AggregateID),
			logger.Err(err),
		)
	}

	return Result{
		CommandID:   cmd.ID,
		AggregateID: cmd.AggregateID,
		Status:      StatusSuccess,
		Payload:     hctx.result,
		Version:     stream.Version,
		Unpublished: e.publish(ctx, stream) != nil,
	}, false
}

func invoke(ctx context.Context, handler Handler, hctx *Context, cmd Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler.Handle(ctx, hctx, cmd)
}

// handlerFailed builds the Result of a Handler failure.
//
// A Command rejected by its Handler might have been committed already,
// e.g. when a creating Command is redelivered: in that case the Command
// is reported as a duplicate success.
func (e *Executor) handlerFailed(ctx context.Context, cmd Envelope, err error) Result {
	if errors.Is(err, ErrAggregateLoad) {
		return Failed(cmd, FailureIO, err)
	}

	if !errors.Is(err, ErrHandlerPanic) && cmd.AggregateID != "" {
		existing, found, findErr := e.find(ctx, cmd.AggregateID, cmd.ID)
		if findErr == nil && found {
			return e.republish(ctx, cmd, existing)
		}
	}

	return Failed(cmd, FailureBusiness, err)
}

func (e *Executor) duplicate(ctx context.Context, cmd Envelope, aggregateID string) Result {
	existing, found, err := e.find(ctx, aggregateID, cmd.ID)
	if err != nil {
		return Failed(cmd, FailureIO, err)
	}

	if !found {
		return Failed(cmd, FailureIO, fmt.Errorf(
			"command.Executor: committed stream for duplicate command '%s' not found", cmd.ID))
	}

	return e.republish(ctx, cmd, existing)
}

// republish hands the already committed Stream of a duplicate Command
// over for publishing again, in case it was lost before being published.
func (e *Executor) republish(ctx context.Context, cmd Envelope, existing event.Stream) Result {
	return Result{
		CommandID:   cmd.ID,
		AggregateID: cmd.AggregateID,
		Status:      StatusSuccess,
		Version:     existing.Version,
		Duplicate:   true,
		Unpublished: e.publish(ctx, existing) != nil,
	}
}

func (e *Executor) streamFor(cmd Envelope, target tracked) event.Stream {
	items := message.Metadata(nil).
		With(message.CorrelationIDKey, cmd.CorrelationID()).
		With(message.CausationIDKey, cmd.ID)

	for _, key := range []string{message.ProcessIDKey, message.ReplyTopicKey} {
		if value := cmd.Metadata.Get(key); value != "" {
			items = items.With(key, value)
		}
	}

	events := make([]event.Envelope, len(target.root.UncommittedEvents()))
	copy(events, target.root.UncommittedEvents())

	return event.Stream{
		ID:            uuid.NewString(),
		AggregateID:   target.root.AggregateID(),
		AggregateType: target.typ.Name,
		Version:       target.root.Version().Next(),
		CommandID:     cmd.ID,
		Timestamp:     e.now().UTC(),
		Events:        events,
		Items:         items,
	}
}

func (e *Executor) append(ctx context.Context, stream event.Stream) (event.AppendResult, error) {
	var result event.AppendResult

	err := e.ioPolicy.Do(ctx, "append event stream", func(ctx context.Context) error {
		var err error

		result, err = e.store.Append(ctx, stream)
		if event.IsPermanent(err) {
			return retry.Permanent(err)
		}

		return err
	})
	if err != nil {
		return 0, fmt.Errorf("command.Executor: failed to append %s, %w", stream, err)
	}

	return result, nil
}

func (e *Executor) find(ctx context.Context, aggregateID, commandID string) (event.Stream, bool, error) {
	var (
		stream event.Stream
		found  bool
	)

	err := e.ioPolicy.Do(ctx, "find event stream by command id", func(ctx context.Context) error {
		var err error
		stream, found, err = e.store.FindByCommandID(ctx, aggregateID, commandID)

		return err
	})
	if err != nil {
		return event.Stream{}, false, fmt.Errorf("command.Executor: failed to find stream of command '%s', %w", commandID, err)
	}

	return stream, found, nil
}

func (e *Executor) refresh(ctx context.Context, target tracked) {
	id := target.root.AggregateID()

	if _, err := e.cache.RefreshFromStore(ctx, target.typ, id); err != nil {
		logger.Warn(e.logger, "command: failed to refresh aggregate from store",
			logger.With("aggregateId", id),
			logger.Err(err),
		)
	}
}

func (e *Executor) publish(ctx context.Context, stream event.Stream) error {
	if e.publisher == nil {
		return nil
	}

	err := e.ioPolicy.Do(ctx, "publish event stream", func(ctx context.Context) error {
		return e.publisher.Publish(ctx, stream)
	})
	if err != nil {
		logger.Error(e.logger, "command: failed to publish committed event stream",
			logger.With("stream", stream.String()),
			logger.Err(err),
		)

		return fmt.Errorf("command.Executor: failed to publish %s, %w", stream, err)
	}

	return nil
}
