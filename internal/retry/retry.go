// Package retry provides a generic exponential-backoff retry loop. No
// other package in this module imports it; the tracker computes its own
// announce backoff.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Operation is a unit of work that may be retried.
type Operation func(ctx context.Context) error

// Config controls the retry loop's attempt count and delay curve.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter, when > 0, adds a uniform random fraction of the computed
	// delay (0..Jitter*delay) to avoid synchronized retries across peers.
	Jitter  float64
	OnRetry func(attempt int, err error, nextDelay time.Duration)
	RetryIf func(err error) bool
}

// Option mutates a Config.
type Option func(*Config)

// DefaultConfig returns a five-attempt exponential backoff starting at
// 100ms and capped at 10s.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

func WithInitialDelay(delay time.Duration) Option {
	return func(c *Config) { c.InitialDelay = delay }
}

func WithMaxAttempts(maxAttempts int) Option {
	return func(c *Config) { c.MaxAttempts = maxAttempts }
}

func WithMaxDelay(delay time.Duration) Option {
	return func(c *Config) { c.MaxDelay = delay }
}

func WithMultiplier(multiplier float64) Option {
	return func(c *Config) { c.Multiplier = multiplier }
}

func WithJitter(fraction float64) Option {
	return func(c *Config) { c.Jitter = fraction }
}

func WithOnRetry(callback func(attempt int, err error, nextDelay time.Duration)) Option {
	return func(c *Config) { c.OnRetry = callback }
}

func WithRetryIf(predicate func(err error) bool) Option {
	return func(c *Config) { c.RetryIf = predicate }
}

// WithExponentialBackoff bundles the three parameters most callers tune.
func WithExponentialBackoff(maxAttempts int, initialDelay, maxDelay time.Duration) []Option {
	return []Option{
		WithMaxAttempts(maxAttempts),
		WithInitialDelay(initialDelay),
		WithMaxDelay(maxDelay),
		WithMultiplier(2.0),
	}
}

// Do runs op, retrying on error according to opts until it succeeds, a
// RetryIf predicate rejects the error, the attempt budget is exhausted,
// or ctx is canceled. The last error is returned on exhaustion.
func Do(ctx context.Context, op Operation, opts ...Option) error {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled before attempt %d: %w", attempt, err)
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		if cfg.RetryIf != nil && !cfg.RetryIf(lastErr) {
			return fmt.Errorf("unretryable error: %w", lastErr)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		delay := calculateDelay(attempt, cfg)

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf(
				"context canceled during retry wait (attempt %d): %w (last error: %v)",
				attempt, ctx.Err(), lastErr,
			)
		case <-timer.C:
		}
	}

	return fmt.Errorf("exhausted %d attempts: %w", cfg.MaxAttempts, lastErr)
}

func calculateDelay(attempt int, cfg *Config) time.Duration {
	base := min(
		float64(cfg.MaxDelay),
		float64(cfg.InitialDelay)*math.Pow(cfg.Multiplier, float64(attempt-1)),
	)
	if cfg.Jitter > 0 {
		base += base * cfg.Jitter * rand.Float64()
	}
	return time.Duration(base)
}
