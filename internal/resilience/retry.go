package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior. Delays come either from a fixed
// Schedule or from exponential backoff with jitter.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (including the first try).
	// A value of 1 means no retries. Default: 3.
	MaxAttempts int

	// Schedule, when non-empty, fixes the wait before each retry: the n-th
	// wait is Schedule[n], and the last entry repeats. Backoff fields and
	// jitter are ignored.
	Schedule []time.Duration

	// LeadingDelay applies the first wait before the first attempt as well,
	// shifting the schedule by one. Used when the attempt continues a chain
	// whose previous step already failed.
	LeadingDelay bool

	// InitialBackoff is the base delay before the first retry. Default: 500ms.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Default: 30s.
	MaxBackoff time.Duration

	// Multiplier scales the backoff after each attempt. Default: 2.0.
	Multiplier float64

	// JitterFraction adds random jitter as a fraction of the computed delay
	// (0.0 = no jitter, 0.5 = ±50%).
	JitterFraction float64

	// ShouldRetry optionally overrides the default transient-error check.
	// If nil, IsTransient is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number and error.
	OnRetry func(attempt int, err error)

	// BeforeAttempt is called right before each attempt (1-based) with the
	// delay that was actually waited ahead of it.
	BeforeAttempt func(attempt int, waited time.Duration)
}

// DefaultRetryConfig returns exponential backoff suited to sink writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.25,
	}
}

// TierBackoff returns the fixed 2s, 4s, 8s schedule used by the protected
// HTTP tier.
func TierBackoff() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Schedule:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
	}
}

// Do executes fn with retry logic according to cfg. It retries only on
// errors deemed transient (via ShouldRetry or the default IsTransient check).
// Context cancellation stops retries immediately.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with retry logic. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsTransient
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		wait := cfg.DelayBefore(attempt)
		if wait > 0 {
			if attempt > 0 && cfg.OnRetry != nil {
				cfg.OnRetry(attempt, lastErr)
			}
			if err := sleep(ctx, wait); err != nil {
				if lastErr != nil {
					return zero, lastErr
				}
				return zero, err
			}
		}
		if cfg.BeforeAttempt != nil {
			cfg.BeforeAttempt(attempt+1, wait)
		}

		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// Don't retry on context cancellation.
		if ctx.Err() != nil {
			return zero, lastErr
		}
		if !shouldRetry(lastErr) {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// DelayBefore returns the wait preceding the 0-based attempt index.
func (cfg RetryConfig) DelayBefore(attempt int) time.Duration {
	step := attempt - 1
	if cfg.LeadingDelay {
		step = attempt
	}
	if step < 0 {
		return 0
	}
	if len(cfg.Schedule) > 0 {
		if step >= len(cfg.Schedule) {
			step = len(cfg.Schedule) - 1
		}
		return cfg.Schedule[step]
	}
	return computeBackoff(step, applyDefaults(cfg))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return cfg
}

func computeBackoff(step int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.Multiplier, float64(step))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}

	// Apply jitter: ±JitterFraction of delay.
	if cfg.JitterFraction > 0 {
		jitterRange := delay * cfg.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitterRange
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(component, operation string) func(int, error) {
	return func(attempt int, err error) {
		zap.L().Warn("retrying operation",
			zap.String("component", component),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}
