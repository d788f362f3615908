package hypervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how transport failures are retried.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Attempts counts the first call. Values below 1 mean a single attempt.
	Attempts int
}

var DefaultPolicy = Policy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Attempts:        3,
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := p.Attempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Retry calls op until it succeeds, fails with a non-transport error, the
// attempts run out or ctx is done. The last error is returned unchanged.
func Retry[T any](ctx context.Context, p Policy, logger *slog.Logger, op func(context.Context) (T, error)) (T, error) {
	attempt := 0
	wrapped := func() (T, error) {
		attempt++
		v, err := op(ctx)
		if err != nil && !IsTransport(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	onRetry := func(err error, wait time.Duration) {
		if logger != nil {
			logger.Debug("retrying hypervisor call", "attempt", attempt, "retry_in", wait, "error", err)
		}
	}
	return backoff.RetryNotifyWithData(wrapped, p.backOff(ctx), onRetry)
}
