package event

import (
	"context"
	"sync"
)

// TrackingStore is an Event Store wrapper to track the Event Streams
// successfully committed to the inner Event Store.
//
// Useful for tests assertion.
type TrackingStore struct {
	Store

	mx       sync.RWMutex
	recorded []Stream
	attempts int
}

// NewTrackingStore wraps an Event Store to capture Streams that get
// appended to it.
func NewTrackingStore(store Store) *TrackingStore {
	return &TrackingStore{Store: store}
}

// Recorded returns the list of Streams that have been committed
// to the Event Store, in order of commit.
func (es *TrackingStore) Recorded() []Stream {
	es.mx.RLock()
	defer es.mx.RUnlock()

	recorded := make([]Stream, len(es.recorded))
	copy(recorded, es.recorded)

	return recorded
}

// Attempts returns the number of Append and BatchAppend calls
// forwarded to the wrapped Event Store, regardless of their outcome.
func (es *TrackingStore) Attempts() int {
	es.mx.RLock()
	defer es.mx.RUnlock()

	return es.attempts
}

// Append forwards the call to the wrapped Event Store instance and,
// if the operation concludes successfully, records the Stream internally.
func (es *TrackingStore) Append(ctx context.Context, stream Stream) (AppendResult, error) {
	result, err := es.Store.Append(ctx, stream)

	es.mx.Lock()
	defer es.mx.Unlock()

	es.attempts++

	if err == nil && result == AppendSuccess {
		es.recorded = append(es.recorded, stream)
	}

	return result, err
}

// BatchAppend forwards the call to the wrapped Event Store instance and,
// if the operation concludes successfully, records the Streams internally.
func (es *TrackingStore) BatchAppend(ctx context.Context, streams []Stream) (AppendResult, error) {
	result, err := es.Store.BatchAppend(ctx, streams)

	es.mx.Lock()
	defer es.mx.Unlock()

	es.attempts++

	if err == nil && result == AppendSuccess {
		es.recorded = append(es.recorded, streams...)
	}

	return result, err
}
