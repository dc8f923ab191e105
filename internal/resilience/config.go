package resilience

import (
	"time"
)

// FromSchedule builds a fixed-schedule RetryConfig from millisecond values.
// An empty schedule yields TierBackoff().
func FromSchedule(maxAttempts int, scheduleMs []int) RetryConfig {
	cfg := TierBackoff()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if len(scheduleMs) > 0 {
		cfg.Schedule = make([]time.Duration, len(scheduleMs))
		for i, ms := range scheduleMs {
			cfg.Schedule[i] = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}
