package adapters

import (
	"context"
	"time"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

const (
	retryAttempts    = 3
	retryBaseBackoff = 100 * time.Millisecond
	retryMaxBackoff  = 2 * time.Second
)

// WithRetry runs fn up to retryAttempts times, backing off between
// attempts with a doubling delay. Only transient failures are retried;
// permanent errors and context cancellation return immediately.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retryBaseBackoff
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > retryMaxBackoff {
				backoff = retryMaxBackoff
			}
		}
		err = fn(ctx)
		if err == nil || !fleeterrors.IsTransient(err) {
			return err
		}
	}
	return err
}
