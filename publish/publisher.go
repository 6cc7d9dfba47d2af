package publish

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/mailbox"
	"github.com/get-consistently/go-consistently/retry"
)

// DefaultRetryPolicy is the retry policy used by the Publisher Resequencers.
var DefaultRetryPolicy = command.DefaultIORetryPolicy

// Option configures a Publisher instance.
type Option func(*Publisher)

// WithLogger sets the Logger used by the Publisher and its Resequencers.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) { p.logger = l }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Publisher) { p.policy = policy }
}

// WithLanes sets the number of publishing lanes and their queue size.
func WithLanes(lanes, buffer int) Option {
	return func(p *Publisher) {
		p.lanes = lanes
		p.buffer = buffer
	}
}

// WithDeliveredHook sets a function called every time a Stream has been
// delivered to all the Processors, including when all of them recognize it
// as already delivered.
func WithDeliveredHook(hook func(ctx context.Context, stream event.Stream)) Option {
	return func(p *Publisher) { p.onDelivered = hook }
}

// WithGapFilling makes the Resequencers query missing Streams from the
// Event Store, instead of waiting for them to be handed over.
func WithGapFilling(querier event.Querier) Option {
	return func(p *Publisher) { p.querier = querier }
}

type delivery struct {
	stream event.Stream
	ack    Ack
}

var _ command.Publisher = new(Publisher)

// Publisher fans committed Event Streams out to a set of Processors,
// each one behind its own Resequencer.
//
// Streams are routed to publishing lanes by Aggregate id, so that
// the Streams of one Aggregate are handled sequentially, while different
// Aggregates are handled concurrently.
type Publisher struct {
	resequencers []*Resequencer
	router       *mailbox.Router[delivery]
	onDelivered  func(ctx context.Context, stream event.Stream)
	querier      event.Querier
	logger       logger.Logger
	policy       retry.Policy
	lanes        int
	buffer       int
}

// NewPublisher returns a new Publisher delivering Streams to the Processors,
// and recording their progress in the VersionStore.
//
// Call Run to start delivering Streams.
func NewPublisher(versions VersionStore, processors []Processor, options ...Option) *Publisher {
	p := &Publisher{policy: DefaultRetryPolicy}

	for _, opt := range options {
		opt(p)
	}

	var resequencerOptions []ResequencerOption
	if p.querier != nil {
		resequencerOptions = append(resequencerOptions, FillGapsFrom(p.querier))
	}

	for _, processor := range processors {
		p.resequencers = append(p.resequencers,
			NewResequencer(processor, versions, p.policy, p.logger, resequencerOptions...))
	}

	p.router = mailbox.New("publish", p.lanes, p.buffer, p.handle)

	return p
}

// Run delivers the Streams handed to the Publisher, until the context
// is done or Close is called.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.router.Run(ctx); err != nil {
		return fmt.Errorf("publish.Publisher: failed to run, %w", err)
	}

	return nil
}

// Close stops accepting Streams. Already accepted Streams are still delivered.
func (p *Publisher) Close() { p.router.Close() }

// EvictIdle stops tracking, in all the Resequencers, the Aggregates
// idle for at least the specified duration. It returns the number
// of evicted Aggregates, summed over the Resequencers.
func (p *Publisher) EvictIdle(ctx context.Context, idle time.Duration) int {
	var evicted int

	for _, r := range p.resequencers {
		evicted += r.EvictIdle(ctx, idle)
	}

	return evicted
}

// Publish hands the Stream over for delivery, with no acknowledgement.
func (p *Publisher) Publish(ctx context.Context, stream event.Stream) error {
	return p.Deliver(ctx, stream, nil)
}

// Deliver hands the Stream over for delivery. The ack function, if not nil,
// is called once the Stream has been delivered to all the Processors.
func (p *Publisher) Deliver(ctx context.Context, stream event.Stream, ack Ack) error {
	if err := p.router.Route(ctx, stream.AggregateID, delivery{stream: stream, ack: ack}); err != nil {
		return fmt.Errorf("publish.Publisher: failed to route %s, %w", stream, err)
	}

	return nil
}

func (p *Publisher) handle(ctx context.Context, d delivery) {
	var remaining atomic.Int32
	remaining.Store(int32(len(p.resequencers))) //nolint:gosec // The number of processors is small.

	done := func() {
		if remaining.Add(-1) != 0 {
			return
		}

		if p.onDelivered != nil {
			p.onDelivered(ctx, d.stream)
		}

		acknowledge(d.ack)
	}

	if len(p.resequencers) == 0 {
		remaining.Store(1)
		done()

		return
	}

	for _, r := range p.resequencers {
		if err := r.Handle(ctx, d.stream, done); err != nil {
			logger.Error(p.logger, "publish: failed to deliver stream, waiting for redelivery",
				logger.With("processor", r.Processor().Name()),
				logger.With("stream", d.stream.String()),
				logger.Err(err),
			)
		}
	}
}
