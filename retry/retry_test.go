package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/get-consistently/go-consistently/logger"
	"github.com/get-consistently/go-consistently/retry"
)

var errTransient = errors.New("transient")

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	policy := retry.Policy{MaxRetries: 3, Delay: time.Millisecond, Logger: logger.NewTest(t)}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := policy.Do(ctx, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return errTransient
			}

			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := policy.Do(ctx, "op", func(context.Context) error {
			calls++
			return errTransient
		})

		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 4, calls, "first attempt plus three retries")
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		calls := 0
		err := policy.Do(ctx, "op", func(context.Context) error {
			calls++
			return retry.Permanent(errTransient)
		})

		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when the context is canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(ctx)
		cancel()

		err := retry.Policy{MaxRetries: 100, Delay: time.Second}.Do(ctx, "op", func(context.Context) error {
			return errTransient
		})

		assert.Error(t, err)
	})
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, retry.IsPermanent(retry.Permanent(errTransient)))
	assert.False(t, retry.IsPermanent(errTransient))
}
