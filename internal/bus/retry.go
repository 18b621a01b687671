package bus

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig bounds the retry-with-backoff behavior applied to transient
// bus errors: a publish that fails because the broker is momentarily
// unreachable is worth a few quick retries before the caller gives up and
// rolls back its dispatch.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.  <= 1
	// disables retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay growth.
	MaxBackoff time.Duration
	// Multiplier is the factor the delay grows by after each failed retry.
	Multiplier float64
}

// DefaultRetryConfig is a small, bounded exponential backoff: three
// attempts total, starting at 50ms and capped at 1s, enough to ride out a
// momentary Redis hiccup without stalling the dispatch loop.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2.0,
	}
}

// WithRetry runs fn, retrying on error up to cfg.MaxAttempts times with
// exponential backoff and jitter between attempts. It stops early and
// returns ctx.Err() if ctx is canceled while waiting out a backoff. The
// error from the final attempt is returned unwrapped so callers can still
// errors.Is/As through it.
func WithRetry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffFor(cfg, attempt)):
		}
	}
	return lastErr
}

// backoffFor computes the delay before the retry following attempt,
// growing exponentially from InitialBackoff and capped at MaxBackoff when
// MaxBackoff is positive. A zero InitialBackoff yields a zero delay.
func backoffFor(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxBackoff > 0 && delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	// up to 20% jitter added on top, so the result is never below delay.
	jitter := delay * 0.2 * rand.Float64() //nolint:gosec // jitter timing, not security sensitive
	return time.Duration(delay + jitter)
}
