// Package storetest contains conformance test suites for the Event Store
// and Published Version Store contracts, reusable by every implementation.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/note"
	"github.com/get-consistently/go-consistently/message"
	"github.com/get-consistently/go-consistently/version"
)

// NewStream returns a well-formed Note Event Stream for the specified
// aggregate, version and command, with a timestamp that survives
// a round-trip to durable stores.
func NewStream(aggregateID string, v version.Version, commandID string) event.Stream {
	var evt event.Event = note.TitleWasChanged{Title: fmt.Sprintf("title v%d", v)}
	if v == 1 {
		evt = note.WasCreated{ID: aggregateID, Title: "title v1"}
	}

	return event.Stream{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: note.Type.Name,
		Version:       v,
		CommandID:     commandID,
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Events: []event.Envelope{{
			Message:  evt,
			Metadata: message.Metadata{"Event-Id": uuid.NewString()},
		}},
		Items: message.Metadata{message.CorrelationIDKey: commandID},
	}
}

// AssertStreamEqual asserts two Event Streams are equal, comparing
// timestamps by instant rather than by representation.
func AssertStreamEqual(t *testing.T, expected, actual event.Stream) {
	t.Helper()

	assert.True(t, expected.Timestamp.Equal(actual.Timestamp),
		"timestamps differ, expected %s, got %s", expected.Timestamp, actual.Timestamp)

	expected.Timestamp, actual.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, expected, actual)
}

func mustAppend(ctx context.Context, t *testing.T, store event.Store, stream event.Stream) {
	t.Helper()

	result, err := store.Append(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, event.AppendSuccess, result)
}

// EventStore returns an executable testing suite running on the event.Store
// value provided in input.
//
// Each test case uses fresh aggregate ids, so the same Event Store
// instance can be shared across test cases.
func EventStore(store event.Store) func(t *testing.T) {
	return func(t *testing.T) {
		ctx := context.Background()

		t.Run("appended stream can be queried back and found by command id", func(t *testing.T) {
			id, cmd := uuid.NewString(), uuid.NewString()
			stream := NewStream(id, 1, cmd)

			mustAppend(ctx, t, store, stream)

			streams, err := store.QueryByVersionRange(ctx, id, version.All)
			require.NoError(t, err)
			require.Len(t, streams, 1)
			AssertStreamEqual(t, stream, streams[0])

			found, ok, err := store.FindByCommandID(ctx, id, cmd)
			require.NoError(t, err)
			require.True(t, ok)
			AssertStreamEqual(t, stream, found)
		})

		t.Run("unknown aggregate or command yields nothing", func(t *testing.T) {
			streams, err := store.QueryByVersionRange(ctx, uuid.NewString(), version.All)
			require.NoError(t, err)
			assert.Empty(t, streams)

			_, ok, err := store.FindByCommandID(ctx, uuid.NewString(), uuid.NewString())
			require.NoError(t, err)
			assert.False(t, ok)
		})

		t.Run("same command id is reported as duplicate command", func(t *testing.T) {
			id, cmd := uuid.NewString(), uuid.NewString()
			mustAppend(ctx, t, store, NewStream(id, 1, cmd))

			// Redelivered with a stale aggregate: both keys are violated,
			// the command key takes precedence.
			result, err := store.Append(ctx, NewStream(id, 1, cmd))
			require.NoError(t, err)
			assert.Equal(t, event.AppendDuplicateCommand, result)

			// Redelivered with a fresh aggregate.
			result, err = store.Append(ctx, NewStream(id, 2, cmd))
			require.NoError(t, err)
			assert.Equal(t, event.AppendDuplicateCommand, result)

			streams, err := store.QueryByVersionRange(ctx, id, version.All)
			require.NoError(t, err)
			assert.Len(t, streams, 1)
		})

		t.Run("same version from another command is reported as duplicate version", func(t *testing.T) {
			id := uuid.NewString()
			mustAppend(ctx, t, store, NewStream(id, 1, uuid.NewString()))

			result, err := store.Append(ctx, NewStream(id, 1, uuid.NewString()))
			require.NoError(t, err)
			assert.Equal(t, event.AppendDuplicateVersion, result)
		})

		t.Run("version gaps are rejected", func(t *testing.T) {
			id := uuid.NewString()
			mustAppend(ctx, t, store, NewStream(id, 1, uuid.NewString()))

			_, err := store.Append(ctx, NewStream(id, 3, uuid.NewString()))
			assert.ErrorIs(t, err, event.ErrVersionGap)

			_, err = store.Append(ctx, NewStream(uuid.NewString(), 2, uuid.NewString()))
			assert.ErrorIs(t, err, event.ErrVersionGap)
		})

		t.Run("invalid streams are rejected", func(t *testing.T) {
			stream := NewStream(uuid.NewString(), 1, "")

			_, err := store.Append(ctx, stream)
			assert.ErrorIs(t, err, event.ErrInvalidStream)
			assert.True(t, event.IsPermanent(err))
		})

		t.Run("versions are monotonic and gapless", func(t *testing.T) {
			const n = 10

			id := uuid.NewString()
			for v := version.Version(1); v <= n; v++ {
				mustAppend(ctx, t, store, NewStream(id, v, uuid.NewString()))
			}

			streams, err := store.QueryByVersionRange(ctx, id, version.All)
			require.NoError(t, err)
			require.Len(t, streams, n)

			for i, s := range streams {
				assert.Equal(t, version.Version(i+1), s.Version)
			}

			streams, err = store.QueryByVersionRange(ctx, id, version.Range{From: 4, To: 6})
			require.NoError(t, err)
			require.Len(t, streams, 3)
			assert.Equal(t, version.Version(4), streams[0].Version)
			assert.Equal(t, version.Version(6), streams[2].Version)
		})

		t.Run("batch append is all or nothing", func(t *testing.T) {
			first, second := uuid.NewString(), uuid.NewString()
			mustAppend(ctx, t, store, NewStream(second, 1, uuid.NewString()))

			result, err := store.BatchAppend(ctx, []event.Stream{
				NewStream(first, 1, uuid.NewString()),
				NewStream(second, 1, uuid.NewString()),
			})
			require.NoError(t, err)
			assert.Equal(t, event.AppendDuplicateVersion, result)

			streams, err := store.QueryByVersionRange(ctx, first, version.All)
			require.NoError(t, err)
			assert.Empty(t, streams, "no stream should be committed when the batch fails")

			result, err = store.BatchAppend(ctx, []event.Stream{
				NewStream(first, 1, uuid.NewString()),
				NewStream(second, 2, uuid.NewString()),
			})
			require.NoError(t, err)
			assert.Equal(t, event.AppendSuccess, result)

			_, err = store.BatchAppend(ctx, []event.Stream{
				NewStream(first, 2, uuid.NewString()),
				NewStream(first, 3, uuid.NewString()),
			})
			assert.ErrorIs(t, err, event.ErrDuplicateAggregateInBatch)
		})

		t.Run("concurrent writers of the same version: only one wins", func(t *testing.T) {
			const writers = 8

			id := uuid.NewString()
			results := make(chan event.AppendResult, writers)

			var wg sync.WaitGroup
			for range writers {
				wg.Add(1)

				go func() {
					defer wg.Done()

					result, err := store.Append(ctx, NewStream(id, 1, uuid.NewString()))
					assert.NoError(t, err)
					results <- result
				}()
			}

			wg.Wait()
			close(results)

			counts := make(map[event.AppendResult]int)
			for result := range results {
				counts[result]++
			}

			assert.Equal(t, 1, counts[event.AppendSuccess])
			assert.Equal(t, writers-1, counts[event.AppendDuplicateVersion])
		})
	}
}
