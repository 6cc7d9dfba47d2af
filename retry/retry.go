// Package retry implements bounded, immediate retries of operations
// failing with transient errors, such as storage I/O failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/get-consistently/go-consistently/logger"
)

// Policy specifies how many times an operation is retried after
// its first failure, and how long to wait between attempts.
type Policy struct {
	MaxRetries uint64
	Delay      time.Duration
	Logger     logger.Logger
}

// Permanent wraps an error to signal the operation should not be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent returns true if the error has been marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Do runs the operation, retrying it according to the Policy when it fails.
//
// Errors wrapped with Permanent stop the retries immediately, and
// are returned unwrapped. Retries also stop when the context is done.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := 0

	operation := func() error {
		attempt++
		return op(ctx)
	}

	notify := func(err error, wait time.Duration) {
		logger.Warn(p.Logger, "retry: operation failed, retrying",
			logger.With("operation", name),
			logger.With("attempt", attempt),
			logger.With("wait", wait),
			logger.Err(err),
		)
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), p.MaxRetries),
		ctx,
	)

	if err := backoff.RetryNotify(operation, strategy, notify); err != nil {
		return fmt.Errorf("retry.Policy: %s failed after %d attempts, %w", name, attempt, err)
	}

	return nil
}
