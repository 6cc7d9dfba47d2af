package publish_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/version"
)

func TestPublisher(t *testing.T) {
	const (
		aggregates = 10
		perAgg     = 5
	)

	var (
		acks      atomic.Int32
		delivered sync.Map
	)

	projection := &recordingProcessor{name: "projection"}
	notifier := &recordingProcessor{name: "notifier"}

	publisher := publish.NewPublisher(
		publish.NewInMemoryVersionStore(),
		[]publish.Processor{projection, notifier},
		publish.WithLanes(4, 16),
		publish.WithDeliveredHook(func(_ context.Context, stream event.Stream) {
			delivered.Store(stream.ID, stream.Version)
		}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- publisher.Run(ctx) }()

	ids := make([]string, 0, aggregates)

	for range aggregates {
		id := uuid.NewString()
		ids = append(ids, id)

		s := streams(id, perAgg)

		// Deliver in reverse order: nothing can be processed until the first one arrives.
		for i := len(s) - 1; i >= 0; i-- {
			require.NoError(t, publisher.Deliver(ctx, s[i], func() { acks.Add(1) }))
		}
	}

	require.Eventually(t, func() bool {
		return acks.Load() == aggregates*perAgg
	}, 5*time.Second, 5*time.Millisecond)

	expected := []version.Version{1, 2, 3, 4, 5}

	for _, id := range ids {
		assert.Equal(t, expected, projection.Versions(id))
		assert.Equal(t, expected, notifier.Versions(id))
	}

	count := 0
	delivered.Range(func(_, _ any) bool {
		count++
		return true
	})
	assert.Equal(t, aggregates*perAgg, count)

	publisher.Close()
	assert.NoError(t, <-done)
}

func TestPublisher_NoProcessors(t *testing.T) {
	var acked atomic.Bool

	publisher := publish.NewPublisher(publish.NewInMemoryVersionStore(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = publisher.Run(ctx) }()

	stream := streams(uuid.NewString(), 1)[0]
	require.NoError(t, publisher.Deliver(ctx, stream, func() { acked.Store(true) }))

	require.Eventually(t, acked.Load, time.Second, time.Millisecond)
}

func TestPublisher_Closed(t *testing.T) {
	publisher := publish.NewPublisher(publish.NewInMemoryVersionStore(), nil)
	publisher.Close()

	err := publisher.Publish(context.Background(), streams(uuid.NewString(), 1)[0])
	assert.Error(t, err)
}
