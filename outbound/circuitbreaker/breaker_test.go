//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	return clock.now
}

func (clock *fakeClock) Advance(d time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()

	clock.now = clock.now.Add(d)
}

var errDependencyDown = errors.New("dependency down")

func newTestBreaker(t *testing.T, cfg Config, clock *fakeClock) *Breaker {
	t.Helper()

	breaker, err := New("payment-provider", cfg, WithClock(clock.Now))
	require.NoError(t, err)

	return breaker
}

func failingOp(ctx context.Context) error { return errDependencyDown }

func succeedingOp(ctx context.Context) error { return nil }

func TestNew_RequiresName(t *testing.T) {
	_, err := New("  ", DefaultConfig())
	require.ErrorIs(t, err, ErrNameRequired)
}

func TestNew_StartsClosed(t *testing.T) {
	breaker := newTestBreaker(t, DefaultConfig(), newFakeClock())

	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_RequiresOperation(t *testing.T) {
	breaker := newTestBreaker(t, DefaultConfig(), newFakeClock())

	require.ErrorIs(t, breaker.Do(context.Background(), nil), ErrOperationRequired)
}

func TestDo_PassesThroughWhenClosed(t *testing.T) {
	breaker := newTestBreaker(t, DefaultConfig(), newFakeClock())

	require.NoError(t, breaker.Do(context.Background(), succeedingOp))
	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_OpensAtFailureThresholdWithinWindow(t *testing.T) {
	clock := newFakeClock()
	breaker := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)
	assert.Equal(t, StateClosed, breaker.State())

	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)
	assert.Equal(t, StateOpen, breaker.State())

	invoked := false
	err := breaker.Do(context.Background(), func(context.Context) error {
		invoked = true

		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked, "open breaker must not invoke the operation")
}

func TestDo_FailuresOutsideWindowDoNotTrip(t *testing.T) {
	clock := newFakeClock()
	breaker := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)

	clock.Advance(11 * time.Second)

	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_RecoversThroughHalfOpenTrialSuccess(t *testing.T) {
	clock := newFakeClock()
	breaker := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	require.Error(t, breaker.Do(context.Background(), failingOp))
	require.Error(t, breaker.Do(context.Background(), failingOp))
	require.ErrorIs(t, breaker.Do(context.Background(), succeedingOp), ErrOpen)

	clock.Advance(30 * time.Second)

	invoked := false
	require.NoError(t, breaker.Do(context.Background(), func(context.Context) error {
		invoked = true

		return nil
	}))
	assert.True(t, invoked, "half-open trial must invoke the operation")
	assert.Equal(t, StateClosed, breaker.State())

	// The failure window was cleared on recovery: a single new failure must
	// not re-open the breaker.
	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_HalfOpenTrialFailureReopens(t *testing.T) {
	clock := newFakeClock()
	breaker := newTestBreaker(t, Config{
		FailureThreshold: 2,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	require.Error(t, breaker.Do(context.Background(), failingOp))
	require.Error(t, breaker.Do(context.Background(), failingOp))

	clock.Advance(30 * time.Second)

	require.ErrorIs(t, breaker.Do(context.Background(), failingOp), errDependencyDown)
	assert.Equal(t, StateOpen, breaker.State())

	// Re-open restarts the recovery clock.
	require.ErrorIs(t, breaker.Do(context.Background(), succeedingOp), ErrOpen)

	clock.Advance(30 * time.Second)

	require.NoError(t, breaker.Do(context.Background(), succeedingOp))
	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_HalfOpenConcurrencyBound(t *testing.T) {
	clock := newFakeClock()
	breaker := newTestBreaker(t, Config{
		FailureThreshold: 1,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, clock)

	require.Error(t, breaker.Do(context.Background(), failingOp))
	require.Equal(t, StateOpen, breaker.State())

	clock.Advance(30 * time.Second)

	trialStarted := make(chan struct{})
	trialRelease := make(chan struct{})
	trialDone := make(chan error, 1)

	go func() {
		trialDone <- breaker.Do(context.Background(), func(context.Context) error {
			close(trialStarted)
			<-trialRelease

			return nil
		})
	}()

	<-trialStarted

	// Second concurrent call while the single trial slot is occupied.
	invoked := false
	err := breaker.Do(context.Background(), func(context.Context) error {
		invoked = true

		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked)

	close(trialRelease)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, breaker.State())
}

func TestDo_NotifiesStateChanges(t *testing.T) {
	clock := newFakeClock()

	type change struct {
		from State
		to   State
	}

	var (
		mu      sync.Mutex
		changes []change
	)

	breaker, err := New("email-sender", Config{
		FailureThreshold: 1,
		RecoveryTime:     30 * time.Second,
		Window:           10 * time.Second,
		HalfOpenMaxCalls: 1,
	},
		WithClock(clock.Now),
		WithStateChangeFunc(func(_ string, from, to State) {
			mu.Lock()
			changes = append(changes, change{from: from, to: to})
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	require.Error(t, breaker.Do(context.Background(), failingOp))
	clock.Advance(30 * time.Second)
	require.NoError(t, breaker.Do(context.Background(), succeedingOp))

	mu.Lock()
	defer mu.Unlock()

	require.Equal(t, []change{
		{from: StateClosed, to: StateOpen},
		{from: StateOpen, to: StateHalfOpen},
		{from: StateHalfOpen, to: StateClosed},
	}, changes)
}

func TestConfig_NormalizeAppliesDefaults(t *testing.T) {
	cfg := Config{}
	cfg.normalize()

	assert.Equal(t, DefaultConfig(), cfg)
}
