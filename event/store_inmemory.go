package event

import (
	"context"
	"fmt"
	"sync"

	"github.com/get-consistently/go-consistently/version"
)

// Interface implementation assertion.
var _ Store = new(InMemoryStore)

type inMemoryAggregate struct {
	streams  []Stream // Position i holds the Stream with version i+1.
	commands map[string]version.Version
}

// InMemoryStore is a thread-safe, in-memory event.Store implementation.
type InMemoryStore struct {
	mx         sync.RWMutex
	aggregates map[string]*inMemoryAggregate
}

// NewInMemoryStore creates a new event.InMemoryStore instance.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		mx:         sync.RWMutex{},
		aggregates: make(map[string]*inMemoryAggregate),
	}
}

func contextErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("event.InMemoryStore: context error, %w", err)
	}

	return nil
}

func copyStream(s Stream) Stream {
	events := make([]Envelope, len(s.Events))
	copy(events, s.Events)

	s.Events = events
	s.Items = s.Items.Clone()

	return s
}

// check returns the outcome of appending the Stream, without mutating the store.
// Must be called while holding the lock.
func (es *InMemoryStore) check(s Stream) (AppendResult, error) {
	agg, ok := es.aggregates[s.AggregateID]
	if !ok {
		if s.Version != 1 {
			return 0, fmt.Errorf("event.InMemoryStore: %w, expected version 1, got %d", ErrVersionGap, s.Version)
		}

		return AppendSuccess, nil
	}

	if _, ok := agg.commands[s.CommandID]; ok {
		return AppendDuplicateCommand, nil
	}

	current := version.Version(len(agg.streams))

	switch {
	case s.Version <= current:
		return AppendDuplicateVersion, nil
	case s.Version > current.Next():
		return 0, fmt.Errorf("event.InMemoryStore: %w, expected version %d, got %d", ErrVersionGap, current.Next(), s.Version)
	default:
		return AppendSuccess, nil
	}
}

// commit must be called while holding the lock, after check returned AppendSuccess.
func (es *InMemoryStore) commit(s Stream) {
	agg, ok := es.aggregates[s.AggregateID]
	if !ok {
		agg = &inMemoryAggregate{commands: make(map[string]version.Version)}
		es.aggregates[s.AggregateID] = agg
	}

	agg.streams = append(agg.streams, copyStream(s))
	agg.commands[s.CommandID] = s.Version
}

// Append implements event.Appender.
func (es *InMemoryStore) Append(ctx context.Context, stream Stream) (AppendResult, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}

	if err := stream.Validate(); err != nil {
		return 0, fmt.Errorf("event.InMemoryStore: failed to append stream, %w", err)
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	result, err := es.check(stream)
	if err != nil || result != AppendSuccess {
		return result, err
	}

	es.commit(stream)

	return AppendSuccess, nil
}

// BatchAppend implements event.Appender.
func (es *InMemoryStore) BatchAppend(ctx context.Context, streams []Stream) (AppendResult, error) {
	if err := contextErr(ctx); err != nil {
		return 0, err
	}

	if err := ValidateBatch(streams); err != nil {
		return 0, fmt.Errorf("event.InMemoryStore: failed to append batch, %w", err)
	}

	es.mx.Lock()
	defer es.mx.Unlock()

	for _, s := range streams {
		result, err := es.check(s)
		if err != nil || result != AppendSuccess {
			return result, err
		}
	}

	for _, s := range streams {
		es.commit(s)
	}

	return AppendSuccess, nil
}

// QueryByVersionRange implements event.Querier.
func (es *InMemoryStore) QueryByVersionRange(
	ctx context.Context,
	aggregateID string,
	r version.Range,
) ([]Stream, error) {
	if err := contextErr(ctx); err != nil {
		return nil, err
	}

	es.mx.RLock()
	defer es.mx.RUnlock()

	agg, ok := es.aggregates[aggregateID]
	if !ok {
		return nil, nil
	}

	var streams []Stream

	for _, s := range agg.streams {
		if r.Contains(s.Version) {
			streams = append(streams, copyStream(s))
		}
	}

	return streams, nil
}

// FindByCommandID implements event.Querier.
func (es *InMemoryStore) FindByCommandID(ctx context.Context, aggregateID, commandID string) (Stream, bool, error) {
	if err := contextErr(ctx); err != nil {
		return Stream{}, false, err
	}

	es.mx.RLock()
	defer es.mx.RUnlock()

	agg, ok := es.aggregates[aggregateID]
	if !ok {
		return Stream{}, false, nil
	}

	v, ok := agg.commands[commandID]
	if !ok {
		return Stream{}, false, nil
	}

	return copyStream(agg.streams[v-1]), true, nil
}
