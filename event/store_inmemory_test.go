package event_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/version"
)

func TestInMemoryStore(t *testing.T) {
	storetest.EventStore(event.NewInMemoryStore())(t)
}

func TestInMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()

	id := uuid.NewString()
	stream := storetest.NewStream(id, 1, uuid.NewString())

	result, err := store.Append(ctx, stream)
	require.NoError(t, err)
	require.Equal(t, event.AppendSuccess, result)

	streams, err := store.QueryByVersionRange(ctx, id, version.All)
	require.NoError(t, err)
	require.Len(t, streams, 1)

	streams[0].Items["mutated"] = "yes"
	streams[0].Events[0].Metadata = nil

	again, err := store.QueryByVersionRange(ctx, id, version.All)
	require.NoError(t, err)
	assert.Equal(t, stream, again[0])
}

func TestInMemoryStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := event.NewInMemoryStore()

	_, err := store.Append(ctx, storetest.NewStream(uuid.NewString(), 1, uuid.NewString()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, event.IsPermanent(err))
}

func TestTrackingStore(t *testing.T) {
	ctx := context.Background()
	store := event.NewTrackingStore(event.NewInMemoryStore())

	id := uuid.NewString()
	first := storetest.NewStream(id, 1, uuid.NewString())

	result, err := store.Append(ctx, first)
	require.NoError(t, err)
	require.Equal(t, event.AppendSuccess, result)

	result, err = store.Append(ctx, storetest.NewStream(id, 1, uuid.NewString()))
	require.NoError(t, err)
	require.Equal(t, event.AppendDuplicateVersion, result)

	assert.Equal(t, 2, store.Attempts())
	assert.Equal(t, []event.Stream{first}, store.Recorded())
}

func TestAppendResult_String(t *testing.T) {
	assert.Equal(t, "Success", event.AppendSuccess.String())
	assert.Equal(t, "DuplicateVersion", event.AppendDuplicateVersion.String())
	assert.Equal(t, "DuplicateCommand", event.AppendDuplicateCommand.String())
	assert.Equal(t, "Unknown", event.AppendResult(0).String())
}
