// Package retry runs an operation again with exponential backoff.
//
// Hangar never retries backend calls inside the adapters; callers that know an
// operation is idempotent (image pulls, bridge requests) wrap it here:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, ShouldRetry: runtime.IsRetryable}, func() error {
//	    return backend.Pull(ctx, image)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the backoff.
type Config struct {
	// MaxAttempts counts the first call. Values below 1 mean a single call.
	MaxAttempts int
	// InitialDelay is the wait before the second call; it doubles afterwards.
	InitialDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors. Nil retries everything.
	ShouldRetry func(err error) bool
	// Label names the operation in debug logs.
	Label string
}

// DefaultConfig suits short network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

func (c Config) normalized() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = DefaultConfig.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultConfig.MaxDelay
	}
	if c.ShouldRetry == nil {
		c.ShouldRetry = func(error) bool { return true }
	}
	return c
}

// Do calls fn until it succeeds, returns an error ShouldRetry rejects, the
// attempts run out, or ctx is done. It returns the last error from fn, joined
// with the context error when cancellation ended the loop.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = cfg.normalized()

	var err error
	delay := cfg.InitialDelay
	for attempt := 1; ; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return errors.Join(err, ctxErr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || !cfg.ShouldRetry(err) {
			return err
		}

		slog.Debug("retry: attempt failed",
			"op", cfg.Label, "attempt", attempt, "max", cfg.MaxAttempts,
			"delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		delay = min(delay*2, cfg.MaxDelay)
	}
}
