// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MahdiBaghbani/onboarding-go/internal/platform/logutil"
)

// Policy bounds a retry loop. Retries is the number of extra attempts after
// the first; zero means a single attempt.
type Policy struct {
	Retries int
	Delay   time.Duration
}

// Permanent stops the loop and returns err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a Permanent error, the retries are
// exhausted or ctx is done. Each failed attempt is logged at debug level.
func Do(ctx context.Context, p Policy, logger *slog.Logger, op string, fn func() error) error {
	logger = logutil.NoopIfNil(logger)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Delay
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	retries := p.Retries
	if retries < 0 {
		retries = 0
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(retries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying after error", "op", op, "error", err, "next", next)
		}),
	)
	return err
}
