package store

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// retry runs fn with exponential backoff until it succeeds, returns a
// backoff.Permanent error, ctx ends, or maxElapsed passes.
func retry(ctx context.Context, maxElapsed time.Duration, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = maxElapsed
	return backoff.RetryNotify(fn, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Dur("retry_in", wait).Msg("Store operation failed, retrying")
	})
}
