package deepresearch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// fixedRetry allows attempts calls in total with a constant delay between
// them, stopping early when ctx is done.
func fixedRetry(ctx context.Context, attempts int, delay time.Duration) backoff.BackOffContext {
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), uint64(attempts-1)), ctx)
}
