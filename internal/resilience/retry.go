package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields get defaults.
type RetryConfig struct {
	// Attempts is the total number of tries including the first. Default: 3.
	Attempts int

	// BaseDelay is the wait before the first retry; it doubles per attempt.
	// Default: 200ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 5s.
	MaxDelay time.Duration

	// RetryIf decides whether an error is worth retrying. Nil retries
	// everything except context cancellation.
	RetryIf func(error) bool
}

// Retry runs fn with exponential backoff and full jitter until it succeeds,
// the attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 200 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 5 * time.Second
	}

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			// Full jitter: sleep a random fraction of the current backoff.
			wait := time.Duration(rand.Int64N(int64(delay) + 1))
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return lastErr
		}
	}
	return lastErr
}
