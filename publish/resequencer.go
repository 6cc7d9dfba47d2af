package publish

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/retry"
	"github.com/get-consistently/go-consistently/version"
)

// Ack is called when a Stream handed to a Resequencer has been
// delivered to its Processor, or recognized as already delivered.
type Ack func()

type pending struct {
	stream event.Stream
	acks   []Ack
}

// sequence tracks the delivery of the Streams of a single Aggregate.
type sequence struct {
	mx       sync.Mutex
	next     version.Version
	recorded version.Version
	pending  map[version.Version]*pending
	lastSeen time.Time
	evicted  bool
}

// ResequencerOption configures a Resequencer instance.
type ResequencerOption func(*Resequencer)

// FillGapsFrom makes the Resequencer query the missing Streams from the
// Event Store when a Stream is received ahead of the next expected version,
// instead of waiting for them to be handed over.
func FillGapsFrom(querier event.Querier) ResequencerOption {
	return func(r *Resequencer) { r.querier = querier }
}

// WithResequencerClock overrides the clock used to track idle Aggregates.
func WithResequencerClock(now func() time.Time) ResequencerOption {
	return func(r *Resequencer) { r.now = now }
}

// Resequencer delivers Event Streams to a Processor in strictly increasing
// version order for each Aggregate.
//
// Streams received ahead of the next expected version are kept in memory
// until the missing ones arrive, or are queried from the Event Store
// when FillGapsFrom is used. Streams already delivered are acknowledged
// without delivering them again.
//
// Handle calls for the same Aggregate must not run concurrently,
// while calls for different Aggregates can.
type Resequencer struct {
	processor Processor
	versions  VersionStore
	querier   event.Querier
	policy    retry.Policy
	logger    logger.Logger
	now       func() time.Time

	mx        sync.Mutex
	sequences map[string]*sequence
}

// NewResequencer returns a new Resequencer for the Processor, recording
// progress in the VersionStore. The retry policy is used for delivering
// Streams to the Processor, recording progress and querying missing Streams.
func NewResequencer(
	processor Processor,
	versions VersionStore,
	policy retry.Policy,
	l logger.Logger,
	options ...ResequencerOption,
) *Resequencer {
	if policy.Logger == nil {
		policy.Logger = l
	}

	r := &Resequencer{
		processor: processor,
		versions:  versions,
		policy:    policy,
		logger:    l,
		now:       time.Now,
		sequences: make(map[string]*sequence),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Processor returns the Processor the Streams are delivered to.
func (r *Resequencer) Processor() Processor { return r.processor }

func (r *Resequencer) lookup(aggregateID string) (*sequence, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	seq, ok := r.sequences[aggregateID]

	return seq, ok
}

// NextExpected returns the next version of the Aggregate to be delivered,
// or 0 if the Aggregate is not being tracked.
func (r *Resequencer) NextExpected(aggregateID string) version.Version {
	seq, ok := r.lookup(aggregateID)
	if !ok {
		return 0
	}

	seq.mx.Lock()
	defer seq.mx.Unlock()

	return seq.next
}

// Buffered returns the number of Streams of the Aggregate waiting
// for a missing version to be delivered.
func (r *Resequencer) Buffered(aggregateID string) int {
	seq, ok := r.lookup(aggregateID)
	if !ok {
		return 0
	}

	seq.mx.Lock()
	defer seq.mx.Unlock()

	return len(seq.pending)
}

// Tracked returns the number of Aggregates currently tracked.
func (r *Resequencer) Tracked() int {
	r.mx.Lock()
	defer r.mx.Unlock()

	return len(r.sequences)
}

func (r *Resequencer) sequenceFor(ctx context.Context, aggregateID string) (*sequence, error) {
	if seq, ok := r.lookup(aggregateID); ok {
		return seq, nil
	}

	var published version.Version

	err := r.policy.Do(ctx, "get published version", func(ctx context.Context) error {
		var err error
		published, err = r.versions.GetVersion(ctx, r.processor.Name(), aggregateID)

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("publish.Resequencer: failed to seed next expected version, %w", err)
	}

	seq := &sequence{
		next:     published.Next(),
		recorded: published,
		pending:  make(map[version.Version]*pending),
	}

	r.mx.Lock()
	r.sequences[aggregateID] = seq
	r.mx.Unlock()

	return seq, nil
}

// acquire returns the locked sequence of the Aggregate, skipping
// sequences evicted in the meantime.
func (r *Resequencer) acquire(ctx context.Context, aggregateID string) (*sequence, error) {
	for {
		seq, err := r.sequenceFor(ctx, aggregateID)
		if err != nil {
			return nil, err
		}

		seq.mx.Lock()

		if !seq.evicted {
			seq.lastSeen = r.now()
			return seq, nil
		}

		seq.mx.Unlock()
	}
}

// Handle accepts a Stream for delivery.
//
// The Stream is delivered right away if it is the next expected one,
// followed by any buffered Stream it unblocks. A Stream ahead of the next
// expected version is buffered, unless the missing Streams can be queried
// from the Event Store. Any other Stream is acknowledged as a duplicate.
// The ack function, if not nil, is called once the Stream has been delivered.
//
// An error is returned if the Stream could not be delivered: the Stream
// has not been acknowledged and should be handed again later.
func (r *Resequencer) Handle(ctx context.Context, stream event.Stream, ack Ack) error {
	seq, err := r.acquire(ctx, stream.AggregateID)
	if err != nil {
		return err
	}

	defer seq.mx.Unlock()

	if stream.Version > seq.next && r.querier != nil {
		r.fill(ctx, seq, stream)
	}

	fields := []logger.Field{
		logger.With("processor", r.processor.Name()),
		logger.With("aggregateId", stream.AggregateID),
		logger.With("version", stream.Version),
		logger.With("nextExpected", seq.next),
	}

	switch {
	case stream.Version < seq.next:
		logger.Debug(r.logger, "publish: stream already delivered, skipping", fields...)
		acknowledge(ack)

		return nil

	case stream.Version > seq.next:
		logger.Debug(r.logger, "publish: stream ahead of next expected version, buffering", fields...)

		p, ok := seq.pending[stream.Version]
		if !ok {
			p = &pending{stream: stream}
			seq.pending[stream.Version] = p
		}

		if ack != nil {
			p.acks = append(p.acks, ack)
		}

		return nil
	}

	if err := r.deliver(ctx, seq, stream); err != nil {
		return err
	}

	acknowledge(ack)
	r.drain(ctx, seq)

	return nil
}

// fill delivers the Streams missing before the one received,
// querying them from the Event Store.
func (r *Resequencer) fill(ctx context.Context, seq *sequence, received event.Stream) {
	var missing []event.Stream

	err := r.policy.Do(ctx, "query missing streams", func(ctx context.Context) error {
		var err error
		missing, err = r.querier.QueryByVersionRange(ctx, received.AggregateID, version.Range{
			From: seq.next,
			To:   received.Version - 1,
		})

		return err
	})
	if err != nil {
		logger.Warn(r.logger, "publish: failed to query missing streams, buffering",
			logger.With("processor", r.processor.Name()),
			logger.With("stream", received.String()),
			logger.Err(err),
		)

		return
	}

	for _, stream := range missing {
		if stream.Version != seq.next {
			return
		}

		if err := r.deliver(ctx, seq, stream); err != nil {
			logger.Error(r.logger, "publish: failed to deliver missing stream",
				logger.With("processor", r.processor.Name()),
				logger.With("stream", stream.String()),
				logger.Err(err),
			)

			return
		}

		if p, ok := seq.pending[stream.Version]; ok {
			delete(seq.pending, stream.Version)
			acknowledge(p.acks...)
		}
	}
}

// drain delivers the buffered Streams unblocked by the last delivery.
func (r *Resequencer) drain(ctx context.Context, seq *sequence) {
	for {
		p, ok := seq.pending[seq.next]
		if !ok {
			return
		}

		if err := r.deliver(ctx, seq, p.stream); err != nil {
			// The Stream stays buffered, waiting for its redelivery.
			logger.Error(r.logger, "publish: failed to deliver buffered stream",
				logger.With("processor", r.processor.Name()),
				logger.With("stream", p.stream.String()),
				logger.Err(err),
			)

			return
		}

		delete(seq.pending, p.stream.Version)
		acknowledge(p.acks...)
	}
}

func (r *Resequencer) deliver(ctx context.Context, seq *sequence, stream event.Stream) error {
	err := r.policy.Do(ctx, "process stream", func(ctx context.Context) error {
		return r.processor.Process(ctx, stream)
	})
	if err != nil {
		return fmt.Errorf("publish.Resequencer: processor '%s' failed on %s, %w", r.processor.Name(), stream, err)
	}

	seq.next = stream.Version.Next()

	// Only the watermark write is retried from here on: the Processor
	// must not see the Stream again. A failed write is caught up by the
	// next one, or before the sequence is evicted.
	r.record(ctx, seq, stream.AggregateID)

	logger.Debug(r.logger, "publish: stream delivered",
		logger.With("processor", r.processor.Name()),
		logger.With("stream", stream.String()),
	)

	return nil
}

// record advances the published version up to the last delivered one.
func (r *Resequencer) record(ctx context.Context, seq *sequence, aggregateID string) bool {
	delivered := seq.next - 1
	if seq.recorded >= delivered {
		return true
	}

	err := r.policy.Do(ctx, "advance published version", func(ctx context.Context) error {
		return Advance(ctx, r.versions, r.processor.Name(), aggregateID, delivered)
	})
	if err != nil {
		logger.Error(r.logger, "publish: failed to record published version",
			logger.With("processor", r.processor.Name()),
			logger.With("aggregateId", aggregateID),
			logger.With("version", delivered),
			logger.With("recorded", seq.recorded),
			logger.Err(err),
		)

		return false
	}

	seq.recorded = delivered

	return true
}

// EvictIdle stops tracking the Aggregates with no buffered Streams that
// have not received any Stream for at least the idle duration, returning
// the number of evicted Aggregates.
//
// Published versions left behind by failed writes are recorded first:
// an Aggregate whose published version cannot be recorded is kept.
func (r *Resequencer) EvictIdle(ctx context.Context, idle time.Duration) int {
	r.mx.Lock()
	candidates := make(map[string]*sequence, len(r.sequences))

	for id, seq := range r.sequences {
		candidates[id] = seq
	}
	r.mx.Unlock()

	var evicted int

	for id, seq := range candidates {
		if r.evict(ctx, id, seq, idle) {
			evicted++
		}
	}

	if evicted > 0 {
		logger.Debug(r.logger, "publish: idle aggregates evicted",
			logger.With("processor", r.processor.Name()),
			logger.With("evicted", evicted),
		)
	}

	return evicted
}

func (r *Resequencer) evict(ctx context.Context, aggregateID string, seq *sequence, idle time.Duration) bool {
	seq.mx.Lock()
	defer seq.mx.Unlock()

	if seq.evicted || len(seq.pending) > 0 || r.now().Sub(seq.lastSeen) < idle {
		return false
	}

	if !r.record(ctx, seq, aggregateID) {
		return false
	}

	seq.evicted = true

	r.mx.Lock()
	if r.sequences[aggregateID] == seq {
		delete(r.sequences, aggregateID)
	}
	r.mx.Unlock()

	return true
}

func acknowledge(acks ...Ack) {
	for _, ack := range acks {
		if ack != nil {
			ack()
		}
	}
}
