package aggregate_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/aggregate"
	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/note"
	"github.com/get-consistently/go-consistently/version"
)

func streamFor(id string, v version.Version, events ...event.Event) event.Stream {
	envelopes := make([]event.Envelope, 0, len(events))
	for _, evt := range events {
		envelopes = append(envelopes, event.ToEnvelope(evt))
	}

	return event.Stream{
		ID:            fmt.Sprintf("%s@%d", id, v),
		AggregateID:   id,
		AggregateType: note.Type.Name,
		Version:       v,
		CommandID:     fmt.Sprintf("command-%s-%d", id, v),
		Events:        envelopes,
	}
}

func TestRecordThat(t *testing.T) {
	n, err := note.Create("N1", "first")
	require.NoError(t, err)

	assert.Equal(t, "N1", n.AggregateID())
	assert.Equal(t, version.Version(0), n.Version(), "recording events does not change the version")
	assert.True(t, aggregate.IsDirty(n))
	assert.Len(t, n.UncommittedEvents(), 1)

	aggregate.AcceptChanges(n, 1)
	assert.Equal(t, version.Version(1), n.Version())
	assert.False(t, aggregate.IsDirty(n))
	assert.Empty(t, n.UncommittedEvents())
}

func TestApplyStream(t *testing.T) {
	t.Run("first stream sets identity and version", func(t *testing.T) {
		n := new(note.Note)

		require.NoError(t, aggregate.ApplyStream(n, streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"})))
		assert.Equal(t, "N1", n.AggregateID())
		assert.Equal(t, version.Version(1), n.Version())
		assert.Equal(t, "a", n.Title())
	})

	t.Run("stream with a version gap is a conflict", func(t *testing.T) {
		n := new(note.Note)
		require.NoError(t, aggregate.ApplyStream(n, streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"})))

		err := aggregate.ApplyStream(n, streamFor("N1", 3, note.TitleWasChanged{Title: "b"}))

		var conflictErr version.ConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, version.Version(2), conflictErr.Expected)
		assert.Equal(t, version.Version(3), conflictErr.Actual)
		assert.Equal(t, version.Version(1), n.Version())
	})

	t.Run("already applied stream is a conflict", func(t *testing.T) {
		n := new(note.Note)
		require.NoError(t, aggregate.ApplyStream(n, streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"})))

		err := aggregate.ApplyStream(n, streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"}))
		assert.ErrorAs(t, err, new(version.ConflictError))
	})

	t.Run("stream for another aggregate is rejected", func(t *testing.T) {
		n := new(note.Note)
		require.NoError(t, aggregate.ApplyStream(n, streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"})))

		err := aggregate.ApplyStream(n, streamFor("N2", 2, note.TitleWasChanged{Title: "b"}))
		assert.ErrorIs(t, err, aggregate.ErrAggregateIDMismatch)
	})
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	_, err := aggregate.Rehydrate(ctx, store, note.Type, "N1")
	require.ErrorIs(t, err, aggregate.ErrRootNotFound)

	for _, s := range []event.Stream{
		streamFor("N1", 1, note.WasCreated{ID: "N1", Title: "a"}),
		streamFor("N1", 2, note.TitleWasChanged{Title: "b"}),
		streamFor("N1", 3, note.TitleWasChanged{Title: "c"}),
	} {
		result, err := store.Append(ctx, s)
		require.NoError(t, err)
		require.Equal(t, event.AppendSuccess, result)
	}

	root, err := aggregate.Rehydrate(ctx, store, note.Type, "N1")
	require.NoError(t, err)

	n, ok := root.(*note.Note)
	require.True(t, ok)
	assert.Equal(t, version.Version(3), n.Version())
	assert.Equal(t, "c", n.Title())
	assert.Equal(t, 2, n.Changes())

	_, err = aggregate.Rehydrate(ctx, store, aggregate.Type{Name: "Other", Factory: note.Type.Factory}, "N1")
	assert.ErrorIs(t, err, aggregate.ErrTypeMismatch)
}
