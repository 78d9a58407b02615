package backoff

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// maxShift bounds the exponent so the multiplier cannot overflow int64.
const maxShift = 62

// Exponential returns base * 2^attempt with overflow protection.
// Negative attempts are treated as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// ExponentialCapped returns base * 2^attempt bounded by ceiling.
// A non-positive ceiling disables the bound.
func ExponentialCapped(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	delay := Exponential(base, attempt)
	if ceiling > 0 && delay > ceiling {
		return ceiling
	}

	return delay
}

// FullJitter returns a random duration in [0, delay).
// Returns 0 for zero or negative delays.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(delay)))
}

// EqualJitter returns delay/2 plus a random duration in [0, delay/2),
// keeping at least half the exponential delay while still spreading
// retries enough to avoid synchronized herds.
func EqualJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	half := delay / 2
	if half <= 0 {
		return delay
	}

	return half + FullJitter(half)
}

// SleepWithContext sleeps for duration unless ctx is cancelled first.
// Returns immediately for zero or negative durations.
func SleepWithContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
