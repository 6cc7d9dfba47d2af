package publish_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/event"
	"github.com/get-consistently/go-consistently/internal/storetest"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/publish"
	"github.com/get-consistently/go-consistently/retry"
	"github.com/get-consistently/go-consistently/version"
)

var errProcessor = errors.New("processor failed")

type recordingProcessor struct {
	name     string
	mx       sync.Mutex
	received []event.Stream
	failures atomic.Int32
}

func (p *recordingProcessor) Name() string { return p.name }

func (p *recordingProcessor) Process(_ context.Context, stream event.Stream) error {
	if p.failures.Add(-1) >= 0 {
		return errProcessor
	}

	p.mx.Lock()
	defer p.mx.Unlock()

	p.received = append(p.received, stream)

	return nil
}

func (p *recordingProcessor) Versions(aggregateID string) []version.Version {
	p.mx.Lock()
	defer p.mx.Unlock()

	var versions []version.Version

	for _, s := range p.received {
		if s.AggregateID == aggregateID {
			versions = append(versions, s.Version)
		}
	}

	return versions
}

var noRetries = retry.Policy{MaxRetries: 0, Delay: time.Millisecond}

func streams(id string, count int) []event.Stream {
	result := make([]event.Stream, 0, count)
	for v := 1; v <= count; v++ {
		result = append(result, storetest.NewStream(id, version.Version(v), uuid.NewString()))
	}

	return result
}

func counter(n *int) publish.Ack {
	return func() { *n++ }
}

func TestResequencer_Reordering(t *testing.T) {
	ctx := context.Background()
	versions := publish.NewInMemoryVersionStore()
	processor := &recordingProcessor{name: "projection"}
	r := publish.NewResequencer(processor, versions, noRetries, logger.NewTest(t))

	id := uuid.NewString()
	s := streams(id, 3)
	acks := 0

	require.NoError(t, r.Handle(ctx, s[0], counter(&acks)))
	require.NoError(t, r.Handle(ctx, s[2], counter(&acks)))

	assert.Equal(t, []version.Version{1}, processor.Versions(id))
	assert.Equal(t, 1, r.Buffered(id))
	assert.Equal(t, version.Version(2), r.NextExpected(id))
	assert.Equal(t, 1, acks, "buffered stream should not be acknowledged yet")

	require.NoError(t, r.Handle(ctx, s[1], counter(&acks)))

	assert.Equal(t, []version.Version{1, 2, 3}, processor.Versions(id))
	assert.Zero(t, r.Buffered(id))
	assert.Equal(t, version.Version(4), r.NextExpected(id))
	assert.Equal(t, 3, acks)

	published, err := versions.GetVersion(ctx, processor.Name(), id)
	require.NoError(t, err)
	assert.Equal(t, version.Version(3), published)
}

func TestResequencer_Duplicates(t *testing.T) {
	ctx := context.Background()
	processor := &recordingProcessor{name: "projection"}
	r := publish.NewResequencer(processor, publish.NewInMemoryVersionStore(), noRetries, nil)

	id := uuid.NewString()
	s := streams(id, 3)
	acks := 0

	for _, stream := range []event.Stream{s[0], s[0], s[2], s[2], s[1], s[1], s[2]} {
		require.NoError(t, r.Handle(ctx, stream, counter(&acks)))
	}

	assert.Equal(t, []version.Version{1, 2, 3}, processor.Versions(id))
	assert.Equal(t, 7, acks, "every handed stream should be acknowledged once")
}

func TestResequencer_SeededFromPublishedVersion(t *testing.T) {
	ctx := context.Background()
	versions := publish.NewInMemoryVersionStore()
	processor := &recordingProcessor{name: "projection"}

	id := uuid.NewString()
	s := streams(id, 3)

	require.NoError(t, versions.InsertVersion(ctx, processor.Name(), id, 1))
	require.NoError(t, versions.UpdateVersion(ctx, processor.Name(), id, 2))

	r := publish.NewResequencer(processor, versions, noRetries, nil)

	for _, stream := range s {
		require.NoError(t, r.Handle(ctx, stream, nil))
	}

	assert.Equal(t, []version.Version{3}, processor.Versions(id))
}

func TestResequencer_ProcessorFailure(t *testing.T) {
	ctx := context.Background()
	versions := publish.NewInMemoryVersionStore()
	processor := &recordingProcessor{name: "projection"}
	r := publish.NewResequencer(processor, versions, noRetries, nil)

	id := uuid.NewString()
	s := streams(id, 2)
	acks := 0

	processor.failures.Store(1)

	err := r.Handle(ctx, s[0], counter(&acks))
	require.ErrorIs(t, err, errProcessor)
	assert.Zero(t, acks)
	assert.Equal(t, version.Version(1), r.NextExpected(id))

	require.NoError(t, r.Handle(ctx, s[1], counter(&acks)))
	assert.Empty(t, processor.Versions(id))

	// Redelivery of the failed stream unblocks the buffered one.
	require.NoError(t, r.Handle(ctx, s[0], counter(&acks)))
	assert.Equal(t, []version.Version{1, 2}, processor.Versions(id))
	assert.Equal(t, 2, acks)
}

func TestResequencer_ProcessorRetries(t *testing.T) {
	processor := &recordingProcessor{name: "projection"}
	processor.failures.Store(2)

	r := publish.NewResequencer(processor, publish.NewInMemoryVersionStore(),
		retry.Policy{MaxRetries: 2, Delay: time.Millisecond}, nil)

	id := uuid.NewString()
	require.NoError(t, r.Handle(context.Background(), streams(id, 1)[0], nil))
	assert.Equal(t, []version.Version{1}, processor.Versions(id))
}

type failingVersionStore struct {
	publish.VersionStore
	writes atomic.Int32
}

func (s *failingVersionStore) InsertVersion(context.Context, string, string, version.Version) error {
	s.writes.Add(1)
	return errors.New("version store is down")
}

func (s *failingVersionStore) UpdateVersion(context.Context, string, string, version.Version) error {
	s.writes.Add(1)
	return errors.New("version store is down")
}

func TestResequencer_WatermarkFailureDoesNotRedeliver(t *testing.T) {
	ctx := context.Background()
	versions := &failingVersionStore{VersionStore: publish.NewInMemoryVersionStore()}
	processor := &recordingProcessor{name: "projection"}

	r := publish.NewResequencer(processor, versions, retry.Policy{MaxRetries: 2, Delay: time.Millisecond}, nil)

	id := uuid.NewString()
	s := streams(id, 2)

	require.NoError(t, r.Handle(ctx, s[0], nil))
	require.NoError(t, r.Handle(ctx, s[1], nil))

	assert.Equal(t, []version.Version{1, 2}, processor.Versions(id),
		"each stream should be processed exactly once")
	assert.Equal(t, int32(6), versions.writes.Load(), "only the watermark write should be retried")
}

// laggingVersionStore fails the first writes of one specific version.
type laggingVersionStore struct {
	publish.VersionStore
	version  version.Version
	failures atomic.Int32
}

func (s *laggingVersionStore) UpdateVersion(ctx context.Context, processor, id string, v version.Version) error {
	if v == s.version && s.failures.Add(-1) >= 0 {
		return errors.New("version store is down")
	}

	return s.VersionStore.UpdateVersion(ctx, processor, id, v)
}

func TestResequencer_WatermarkCatchesUp(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxRetries: 2, Delay: time.Millisecond}

	t.Run("with the next delivered stream", func(t *testing.T) {
		versions := &laggingVersionStore{VersionStore: publish.NewInMemoryVersionStore(), version: 2}
		versions.failures.Store(4)

		processor := &recordingProcessor{name: "projection"}
		r := publish.NewResequencer(processor, versions, policy, logger.NewTest(t))

		id := uuid.NewString()

		for i, stream := range streams(id, 5) {
			require.NoError(t, r.Handle(ctx, stream, nil))

			if i == 1 {
				published, err := versions.GetVersion(ctx, processor.Name(), id)
				require.NoError(t, err)
				assert.Equal(t, version.Version(1), published, "watermark write of v2 failed after retries")
			}
		}

		assert.Equal(t, []version.Version{1, 2, 3, 4, 5}, processor.Versions(id))

		published, err := versions.GetVersion(ctx, processor.Name(), id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(5), published)
	})

	t.Run("before evicting the aggregate", func(t *testing.T) {
		versions := &laggingVersionStore{VersionStore: publish.NewInMemoryVersionStore(), version: 3}
		versions.failures.Store(3)

		processor := &recordingProcessor{name: "projection"}
		r := publish.NewResequencer(processor, versions, policy, logger.NewTest(t))

		id := uuid.NewString()

		for _, stream := range streams(id, 3) {
			require.NoError(t, r.Handle(ctx, stream, nil))
		}

		published, err := versions.GetVersion(ctx, processor.Name(), id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(2), published)

		assert.Equal(t, 1, r.EvictIdle(ctx, 0))

		published, err = versions.GetVersion(ctx, processor.Name(), id)
		require.NoError(t, err)
		assert.Equal(t, version.Version(3), published)
	})
}

func TestResequencer_FillsGapsFromStore(t *testing.T) {
	ctx := context.Background()
	store := event.NewInMemoryStore()
	processor := &recordingProcessor{name: "projection"}

	r := publish.NewResequencer(processor, publish.NewInMemoryVersionStore(), noRetries, logger.NewTest(t),
		publish.FillGapsFrom(store))

	id := uuid.NewString()
	s := streams(id, 4)

	for _, stream := range s {
		_, err := store.Append(ctx, stream)
		require.NoError(t, err)
	}

	acks := 0

	require.NoError(t, r.Handle(ctx, s[0], counter(&acks)))

	// Streams 2 and 3 were never handed over.
	require.NoError(t, r.Handle(ctx, s[3], counter(&acks)))

	assert.Equal(t, []version.Version{1, 2, 3, 4}, processor.Versions(id))
	assert.Zero(t, r.Buffered(id))
	assert.Equal(t, version.Version(5), r.NextExpected(id))
	assert.Equal(t, 2, acks)

	t.Run("late streams are acknowledged as duplicates", func(t *testing.T) {
		require.NoError(t, r.Handle(ctx, s[1], counter(&acks)))
		require.NoError(t, r.Handle(ctx, s[2], counter(&acks)))

		assert.Equal(t, []version.Version{1, 2, 3, 4}, processor.Versions(id))
		assert.Equal(t, 4, acks)
	})
}

func TestResequencer_EvictIdle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	versions := publish.NewInMemoryVersionStore()
	processor := &recordingProcessor{name: "projection"}

	r := publish.NewResequencer(processor, versions, noRetries, nil,
		publish.WithResequencerClock(func() time.Time { return now }))

	idle, busy := uuid.NewString(), uuid.NewString()
	idleStreams, busyStreams := streams(idle, 2), streams(busy, 3)

	require.NoError(t, r.Handle(ctx, idleStreams[0], nil))
	require.NoError(t, r.Handle(ctx, idleStreams[1], nil))
	require.NoError(t, r.Handle(ctx, busyStreams[0], nil))
	require.NoError(t, r.Handle(ctx, busyStreams[2], nil))

	now = now.Add(time.Hour)

	assert.Equal(t, 1, r.EvictIdle(ctx, time.Minute), "aggregates with buffered streams are kept")
	assert.Equal(t, 1, r.Tracked())
	assert.Zero(t, r.NextExpected(idle))
	assert.Equal(t, 1, r.Buffered(busy))

	t.Run("evicted aggregates are seeded again from the published version", func(t *testing.T) {
		extra := storetest.NewStream(idle, 3, uuid.NewString())

		require.NoError(t, r.Handle(ctx, idleStreams[1], nil))
		require.NoError(t, r.Handle(ctx, extra, nil))

		assert.Equal(t, []version.Version{1, 2, 3}, processor.Versions(idle))
		assert.Equal(t, version.Version(4), r.NextExpected(idle))
	})

	t.Run("recently seen aggregates are kept", func(t *testing.T) {
		assert.Zero(t, r.EvictIdle(ctx, time.Minute))
	})
}
