package transport_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/transport"
)

func run(t *testing.T, tr *transport.InMemory) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- tr.Run(ctx) }()

	t.Cleanup(func() {
		tr.Close()
		cancel()
		assert.NoError(t, <-done)
	})
}

func TestInMemory_DeliversAndAcks(t *testing.T) {
	tr := transport.NewInMemory()

	var (
		mx       sync.Mutex
		received []any
	)

	require.NoError(t, tr.Subscribe("commands", func(_ context.Context, d transport.Delivery) {
		mx.Lock()
		received = append(received, d.Payload)
		mx.Unlock()

		assert.Equal(t, 1, d.Attempt)
		d.Ack()
	}))

	err := tr.Subscribe("commands", func(context.Context, transport.Delivery) {})
	assert.ErrorIs(t, err, transport.ErrAlreadySubscribed)

	run(t, tr)

	for i := range 10 {
		require.NoError(t, tr.Send(context.Background(), transport.Message{Topic: "commands", Key: "N1", Payload: i}))
	}

	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()

		return len(received) == 10
	}, time.Second, time.Millisecond)

	mx.Lock()
	assert.Equal(t, []any{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, received)
	mx.Unlock()

	assert.Zero(t, tr.Unsettled())
}

func TestInMemory_RedeliversOnNack(t *testing.T) {
	tr := transport.NewInMemory(transport.WithRedeliveryDelay(time.Millisecond))

	var attempts atomic.Int32

	require.NoError(t, tr.Subscribe("events", func(_ context.Context, d transport.Delivery) {
		attempts.Add(1)

		if d.Attempt < 3 {
			d.Nack()
			return
		}

		d.Ack()
		d.Nack() // Settling twice is a no-op.
	}))

	run(t, tr)

	require.NoError(t, tr.Send(context.Background(), transport.Message{Topic: "events", Payload: "stream"}))

	require.Eventually(t, func() bool { return attempts.Load() == 3 }, time.Second, time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Zero(t, tr.Unsettled())
}

func TestInMemory_RedeliversUnsettled(t *testing.T) {
	tr := transport.NewInMemory(transport.WithAckTimeout(20 * time.Millisecond))

	var attempts atomic.Int32

	require.NoError(t, tr.Subscribe("events", func(_ context.Context, d transport.Delivery) {
		if attempts.Add(1) == 2 {
			d.Ack()
		}
	}))

	run(t, tr)

	require.NoError(t, tr.Send(context.Background(), transport.Message{Topic: "events", Payload: "stream"}))

	require.Eventually(t, func() bool { return attempts.Load() == 2 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return tr.Unsettled() == 0 }, time.Second, time.Millisecond)
}

func TestInMemory_DropsAfterMaxDeliveries(t *testing.T) {
	tr := transport.NewInMemory(
		transport.WithRedeliveryDelay(time.Millisecond),
		transport.WithMaxDeliveries(2),
	)

	var attempts atomic.Int32

	require.NoError(t, tr.Subscribe("events", func(_ context.Context, d transport.Delivery) {
		attempts.Add(1)
		d.Nack()
	}))

	run(t, tr)

	require.NoError(t, tr.Send(context.Background(), transport.Message{Topic: "events"}))

	require.Eventually(t, func() bool { return tr.Dropped() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestInMemory_SendAfterClose(t *testing.T) {
	tr := transport.NewInMemory()
	tr.Close()

	err := tr.Send(context.Background(), transport.Message{Topic: "commands"})
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestNewDelivery_SettlesOnce(t *testing.T) {
	var settlements []bool

	d := transport.NewDelivery(transport.Message{Topic: "t"}, 1, func(ok bool) {
		settlements = append(settlements, ok)
	})

	d.Nack()
	d.Ack()

	assert.Equal(t, []bool{false}, settlements)
}
