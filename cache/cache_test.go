package cache_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/cache"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/note"
	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/version"
)

type countingQuerier struct {
	event.Querier
	queries atomic.Int32
}

func (q *countingQuerier) QueryByVersionRange(
	ctx context.Context,
	aggregateID string,
	r version.Range,
) ([]event.Stream, error) {
	q.queries.Add(1)
	return q.Querier.QueryByVersionRange(ctx, aggregateID, r)
}

func commit(ctx context.Context, t *testing.T, store event.Store, root aggregate.Root) event.Stream {
	t.Helper()

	stream := event.Stream{
		ID:            uuid.NewString(),
		AggregateID:   root.AggregateID(),
		AggregateType: note.Type.Name,
		Version:       root.Version().Next(),
		CommandID:     uuid.NewString(),
		Timestamp:     time.Now(),
		Events:        root.UncommittedEvents(),
	}

	result, err := store.Append(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, event.AppendSuccess, result)

	return stream
}

func TestMemoryCache_GetOrLoad(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	querier := &countingQuerier{Querier: store}
	c := cache.New(querier)

	t.Run("unknown aggregate is not found and not cached", func(t *testing.T) {
		root, err := c.GetOrLoad(ctx, note.Type, uuid.NewString())
		assert.ErrorIs(t, err, aggregate.ErrRootNotFound)
		assert.Nil(t, root)
		assert.Zero(t, c.Len())
	})

	t.Run("persisted aggregate is replayed once, then served from memory", func(t *testing.T) {
		id := uuid.NewString()

		for v := version.Version(1); v <= 3; v++ {
			_, err := store.Append(ctx, storetest.NewStream(id, v, uuid.NewString()))
			require.NoError(t, err)
		}

		before := querier.queries.Load()

		root, err := c.GetOrLoad(ctx, note.Type, id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(3), root.Version())
		assert.Equal(t, "title v3", root.(*note.Note).Title())

		again, err := c.GetOrLoad(ctx, note.Type, id)
		require.NoError(t, err)
		assert.Same(t, root, again)
		assert.Equal(t, before+1, querier.queries.Load())
	})
}

func TestMemoryCache_AcceptChanges(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	c := cache.New(store)

	id := uuid.NewString()

	n, err := note.Create(id, "first")
	require.NoError(t, err)

	stream := commit(ctx, t, store, n)
	require.NoError(t, c.AcceptChanges(note.Type, n, stream))

	assert.Equal(t, version.Version(1), n.Version())
	assert.False(t, aggregate.IsDirty(n))

	cached, err := c.GetOrLoad(ctx, note.Type, id)
	require.NoError(t, err)
	assert.Same(t, n, cached)

	t.Run("stream not following the cached version is rejected", func(t *testing.T) {
		require.NoError(t, n.ChangeTitle("second"))

		stale := storetest.NewStream(id, 5, uuid.NewString())
		err := c.AcceptChanges(note.Type, n, stale)
		assert.ErrorIs(t, err, cache.ErrStaleStream)

		var conflict version.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, version.Version(2), conflict.Expected)
		assert.Equal(t, version.Version(5), conflict.Actual)
	})
}

func TestMemoryCache_ConsistentWithStore(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	c := cache.New(store)

	id := uuid.NewString()

	n, err := note.Create(id, "title 0")
	require.NoError(t, err)
	require.NoError(t, c.AcceptChanges(note.Type, n, commit(ctx, t, store, n)))

	const commands = 20

	for i := 1; i <= commands; i++ {
		root, err := c.GetOrLoad(ctx, note.Type, id)
		require.NoError(t, err)

		current := root.(*note.Note)
		require.NoError(t, current.ChangeTitle(fmt.Sprintf("title %d", i)))
		require.NoError(t, c.AcceptChanges(note.Type, current, commit(ctx, t, store, current)))
	}

	cached, err := c.GetOrLoad(ctx, note.Type, id)
	require.NoError(t, err)

	refreshed, err := c.RefreshFromStore(ctx, note.Type, id)
	require.NoError(t, err)

	assert.NotSame(t, cached, refreshed)
	assert.Equal(t, version.Version(commands+1), refreshed.Version())
	assert.Equal(t, cached.Version(), refreshed.Version())
	assert.Equal(t, cached.(*note.Note).Title(), refreshed.(*note.Note).Title())
	assert.Equal(t, cached.(*note.Note).Changes(), refreshed.(*note.Note).Changes())

	latest, err := c.GetOrLoad(ctx, note.Type, id)
	require.NoError(t, err)
	assert.Same(t, refreshed, latest)
}

func TestMemoryCache_RefreshFromStore_NotFound(t *testing.T) {
	c := cache.New(event.NewInMemoryStore())

	_, err := c.RefreshFromStore(context.Background(), note.Type, uuid.NewString())
	assert.ErrorIs(t, err, aggregate.ErrRootNotFound)
	assert.Zero(t, c.Len())
}

func TestMemoryCache_Evict(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New(store, cache.WithClock(func() time.Time { return now }))

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}

	for _, id := range ids {
		_, err := store.Append(ctx, storetest.NewStream(id, 1, uuid.NewString()))
		require.NoError(t, err)

		_, err = c.GetOrLoad(ctx, note.Type, id)
		require.NoError(t, err)
	}

	require.Equal(t, 3, c.Len())

	c.Evict(note.Type, ids[0])
	assert.Equal(t, 2, c.Len())

	now = now.Add(time.Hour)

	_, err := c.GetOrLoad(ctx, note.Type, ids[1])
	require.NoError(t, err)

	assert.Equal(t, 1, c.EvictInactive(30*time.Minute))
	assert.Equal(t, 1, c.Len())

	assert.Equal(t, 0, c.EvictInactive(30*time.Minute))
}
