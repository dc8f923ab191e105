package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Multiplier:     2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), DefaultRetryConfig(), func(_ context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_SuccessAfterRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(3), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("temporary"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(3), func(_ context.Context) error {
		calls++
		return NewTransientError(errors.New("always fails"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 500, te.StatusCode)
}

func TestDo_NonTransientError_NoRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fastConfig(3), func(_ context.Context) error {
		calls++
		return errors.New("permanent error: bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled_StopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{
		MaxAttempts: 5,
		Schedule:    []time.Duration{50 * time.Millisecond},
	}

	var calls int
	err := Do(ctx, cfg, func(_ context.Context) error {
		calls++
		if calls == 2 {
			cancel()
		}
		return NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_CancelledDuringSleep_ReturnsLastError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	cfg := RetryConfig{
		MaxAttempts: 3,
		Schedule:    []time.Duration{time.Second},
	}

	sentinel := NewTransientError(errors.New("blocked"), 403)
	err := Do(ctx, cfg, func(_ context.Context) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

func TestDo_CustomShouldRetry(t *testing.T) {
	var calls int
	cfg := fastConfig(3)
	cfg.ShouldRetry = func(err error) bool { return err.Error() == "retry me" }

	err := Do(context.Background(), cfg, func(_ context.Context) error {
		calls++
		return errors.New("retry me")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCallback(t *testing.T) {
	var retries []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, _ error) { retries = append(retries, attempt) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 500)
	})
	assert.Equal(t, []int{1, 2}, retries)
}

func TestDoVal_ReturnsValueOnSuccess(t *testing.T) {
	var calls int
	val, err := DoVal(context.Background(), fastConfig(3), func(_ context.Context) (string, error) {
		calls++
		if calls < 2 {
			return "", NewTransientError(errors.New("temp"), 502)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
}

func TestDoVal_ReturnsZeroOnFailure(t *testing.T) {
	val, err := DoVal(context.Background(), fastConfig(2), func(_ context.Context) (int, error) {
		return 42, NewTransientError(errors.New("fail"), 500)
	})
	require.Error(t, err)
	assert.Zero(t, val)
}

func TestDo_ScheduleWaits(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts: 3,
		Schedule:    []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond},
	}
	var waited []time.Duration
	cfg.BeforeAttempt = func(_ int, d time.Duration) { waited = append(waited, d) }

	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 503)
	})
	assert.Equal(t, []time.Duration{0, 2 * time.Millisecond, 4 * time.Millisecond}, waited)
}

func TestDo_LeadingDelay(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:  3,
		Schedule:     []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond},
		LeadingDelay: true,
	}
	var attempts []int
	var waited []time.Duration
	cfg.BeforeAttempt = func(n int, d time.Duration) {
		attempts = append(attempts, n)
		waited = append(waited, d)
	}

	start := time.Now()
	_ = Do(context.Background(), cfg, func(_ context.Context) error {
		return NewTransientError(errors.New("fail"), 503)
	})
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 4 * time.Millisecond, 8 * time.Millisecond}, waited)
	assert.GreaterOrEqual(t, time.Since(start), 14*time.Millisecond)
}

func TestDelayBefore_ScheduleClampsToLast(t *testing.T) {
	cfg := RetryConfig{Schedule: []time.Duration{time.Second, 3 * time.Second}}
	assert.Equal(t, time.Duration(0), cfg.DelayBefore(0))
	assert.Equal(t, time.Second, cfg.DelayBefore(1))
	assert.Equal(t, 3*time.Second, cfg.DelayBefore(2))
	assert.Equal(t, 3*time.Second, cfg.DelayBefore(5))
}

func TestTierBackoff(t *testing.T) {
	cfg := TierBackoff()
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, cfg.Schedule)
}

func TestFromSchedule(t *testing.T) {
	cfg := FromSchedule(4, []int{10, 20})
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, cfg.Schedule)

	def := FromSchedule(0, nil)
	assert.Equal(t, TierBackoff().Schedule, def.Schedule)
}

func TestComputeBackoff_ExponentialGrowth(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
	}
	assert.Equal(t, 100*time.Millisecond, computeBackoff(0, cfg))
	assert.Equal(t, 200*time.Millisecond, computeBackoff(1, cfg))
	assert.Equal(t, 400*time.Millisecond, computeBackoff(2, cfg))
}

func TestComputeBackoff_CapsAtMax(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     5 * time.Second,
		Multiplier:     10.0,
	}
	assert.Equal(t, 5*time.Second, computeBackoff(3, cfg))
}

func TestComputeBackoff_WithJitter(t *testing.T) {
	cfg := RetryConfig{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.5,
	}
	for i := 0; i < 50; i++ {
		d := computeBackoff(0, cfg)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestRetryLogger(t *testing.T) {
	fn := RetryLogger("session", "fetch")
	assert.NotPanics(t, func() { fn(1, errors.New("boom")) })
}
