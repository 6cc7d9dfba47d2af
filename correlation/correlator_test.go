package correlation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/get-consistently/go-consistently/command"
	"github.com/get-consistently/go-consistently/correlation"
	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/version"
)

func success(id string, v version.Version) command.Result {
	return command.Result{CommandID: id, Status: command.StatusSuccess, Version: v, Payload: "payload"}
}

func TestCorrelator_CompleteOnAppended(t *testing.T) {
	c := correlation.New(logger.NewTest(t))
	id := uuid.NewString()

	future, err := c.Register(id, correlation.CompleteOnAppended)
	require.NoError(t, err)
	assert.Equal(t, id, future.ID())

	_, err = c.Register(id, correlation.CompleteOnAppended)
	assert.ErrorIs(t, err, correlation.ErrAlreadyRegistered)

	assert.True(t, c.Complete(id, correlation.CompleteOnAppended, success(id, 1)))
	assert.False(t, c.Complete(id, correlation.CompleteOnAppended, success(id, 2)), "second completion is a no-op")
	assert.Zero(t, c.Pending())

	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, version.Version(1), result.Version)
}

func TestCorrelator_CompleteOnPublished(t *testing.T) {
	c := correlation.New(nil)

	t.Run("successful command waits for publishing", func(t *testing.T) {
		id := uuid.NewString()

		future, err := c.Register(id, correlation.CompleteOnPublished)
		require.NoError(t, err)

		assert.False(t, c.Complete(id, correlation.CompleteOnAppended, success(id, 3)))

		select {
		case <-future.Done():
			t.Fatal("future resolved before publishing")
		default:
		}

		assert.True(t, c.Complete(id, correlation.CompleteOnPublished, command.Result{
			CommandID: id,
			Status:    command.StatusSuccess,
			Version:   3,
		}))

		result, err := future.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "payload", result.Payload, "handling outcome should be preserved")
		assert.Equal(t, version.Version(3), result.Version)
	})

	t.Run("failed command completes right away", func(t *testing.T) {
		id := uuid.NewString()

		future, err := c.Register(id, correlation.CompleteOnPublished)
		require.NoError(t, err)

		failed := command.Failed(command.Envelope{ID: id}, command.FailureBusiness, errors.New("rejected"))
		assert.True(t, c.Complete(id, correlation.CompleteOnAppended, failed))

		result, err := future.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, command.StatusFailed, result.Status)
	})
}

func TestCorrelator_NotifySendFailed(t *testing.T) {
	c := correlation.New(nil)
	id := uuid.NewString()

	future, err := c.Register(id, correlation.CompleteOnAppended)
	require.NoError(t, err)

	assert.True(t, c.NotifySendFailed(id, errors.New("transport unreachable")))

	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, command.StatusSendFailed, result.Status)
	assert.ErrorIs(t, result.Err(), command.ErrSendFailed)
	assert.Contains(t, result.Message, "transport unreachable")
}

func TestCorrelator_Timeout(t *testing.T) {
	c := correlation.New(logger.NewTest(t))
	id := uuid.NewString()

	future, err := c.Register(id, correlation.CompleteOnAppended)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := future.Wait(ctx)

	assert.ErrorIs(t, err, command.ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, command.StatusTimeout, result.Status)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, c.Pending(), "registration should be removed on timeout")

	// Late completion, at about 200ms, is silently dropped.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Complete(id, correlation.CompleteOnAppended, success(id, 1)))
	assert.Zero(t, c.Pending())

	// The id can be registered again afterwards.
	_, err = c.Register(id, correlation.CompleteOnAppended)
	assert.NoError(t, err)
}

func TestCorrelator_ConcurrentCompletions(t *testing.T) {
	c := correlation.New(nil)
	id := uuid.NewString()

	future, err := c.Register(id, correlation.CompleteOnAppended)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mx       sync.Mutex
		resolved int
	)

	for v := 1; v <= 10; v++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if c.Complete(id, correlation.CompleteOnAppended, success(id, version.Version(v))) {
				mx.Lock()
				resolved++
				mx.Unlock()
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, 1, resolved)

	_, err = future.Wait(context.Background())
	assert.NoError(t, err)
}
