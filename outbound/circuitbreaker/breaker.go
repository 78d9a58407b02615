package circuitbreaker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// State represents the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

func (state State) String() string {
	return string(state)
}

// StateChangeFunc is notified after a breaker transitions between states.
type StateChangeFunc func(name string, from, to State)

// Breaker gates calls to one named dependency.
//
// All state, including the sliding failure window, is mutated under a single
// mutex so concurrent callers observe consistent transitions. The operation
// itself runs outside the lock.
type Breaker struct {
	name     string
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
	onState  StateChangeFunc
	provider metric.MeterProvider
	metrics  breakerMetrics

	mu            sync.Mutex
	state         State
	failures      []time.Time
	openedAt      time.Time
	halfOpenCalls int
}

// Option configures a Breaker at construction.
type Option func(*Breaker)

// WithLogger sets the structured logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(breaker *Breaker) {
		if logger != nil {
			breaker.logger = logger
		}
	}
}

// WithClock overrides the time source, used by deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(breaker *Breaker) {
		if now != nil {
			breaker.now = now
		}
	}
}

// WithStateChangeFunc registers a transition callback. The callback runs
// outside the breaker lock and must not call back into the breaker.
func WithStateChangeFunc(fn StateChangeFunc) Option {
	return func(breaker *Breaker) {
		breaker.onState = fn
	}
}

// WithMeterProvider injects a custom meter provider for breaker metrics.
// Nil keeps the global OpenTelemetry provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(breaker *Breaker) {
		breaker.provider = provider
	}
}

// New creates a closed breaker for the named dependency.
func New(name string, cfg Config, opts ...Option) (*Breaker, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	cfg.normalize()

	breaker := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: zap.NewNop(),
		now:    time.Now,
		state:  StateClosed,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(breaker)
		}
	}

	metrics, err := newBreakerMetrics(breaker.provider)
	if err != nil {
		return nil, fmt.Errorf("init breaker metrics: %w", err)
	}

	breaker.metrics = metrics

	return breaker, nil
}

// Name returns the dependency name this breaker protects.
func (breaker *Breaker) Name() string {
	return breaker.name
}

// State returns the current state, promoting open to half-open when the
// recovery time has elapsed so observers see the admittable state.
func (breaker *Breaker) State() State {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()

	if breaker.state == StateOpen && breaker.now().Sub(breaker.openedAt) >= breaker.cfg.RecoveryTime {
		return StateHalfOpen
	}

	return breaker.state
}

// Do runs op through the breaker.
//
// If the breaker is open and the recovery time has not elapsed, op is never
// invoked and ErrOpen is returned. While half-open, at most HalfOpenMaxCalls
// operations run concurrently as trial probes; excess callers fail fast with
// ErrOpen. The operation's error result feeds the failure window.
func (breaker *Breaker) Do(ctx context.Context, op func(context.Context) error) error {
	if op == nil {
		return ErrOperationRequired
	}

	trial, err := breaker.admit(ctx)
	if err != nil {
		return err
	}

	opErr := op(ctx)

	breaker.settle(ctx, trial, opErr)

	return opErr
}

// admit performs the pre-check and reports whether the call was admitted as a
// half-open trial.
func (breaker *Breaker) admit(ctx context.Context) (bool, error) {
	breaker.mu.Lock()

	now := breaker.now()
	breaker.pruneLocked(now)

	switch breaker.state {
	case StateOpen:
		if now.Sub(breaker.openedAt) < breaker.cfg.RecoveryTime {
			breaker.mu.Unlock()
			breaker.metrics.recordRejection(ctx, breaker.name)

			return false, fmt.Errorf("%s: %w", breaker.name, ErrOpen)
		}

		transition := breaker.transitionLocked(StateHalfOpen, now)
		breaker.halfOpenCalls = 1
		breaker.mu.Unlock()
		breaker.notify(ctx, transition)

		return true, nil
	case StateHalfOpen:
		if breaker.halfOpenCalls >= breaker.cfg.HalfOpenMaxCalls {
			breaker.mu.Unlock()
			breaker.metrics.recordRejection(ctx, breaker.name)

			return false, fmt.Errorf("%s: half-open trial quota exhausted: %w", breaker.name, ErrOpen)
		}

		breaker.halfOpenCalls++
		breaker.mu.Unlock()

		return true, nil
	default:
		breaker.mu.Unlock()

		return false, nil
	}
}

// settle performs the post-check, recording the operation outcome.
func (breaker *Breaker) settle(ctx context.Context, trial bool, opErr error) {
	breaker.mu.Lock()

	now := breaker.now()

	var transition *stateTransition

	switch {
	case opErr == nil && breaker.state == StateHalfOpen:
		// A single trial success closes the breaker and clears the window.
		breaker.failures = nil
		breaker.halfOpenCalls = 0
		transition = breaker.transitionLocked(StateClosed, now)
	case opErr == nil:
		// Success in closed state needs no bookkeeping; a stale trial result
		// arriving after a re-open is ignored.
	case breaker.state == StateHalfOpen && trial:
		breaker.halfOpenCalls = 0
		breaker.openedAt = now
		transition = breaker.transitionLocked(StateOpen, now)
	case breaker.state == StateClosed:
		breaker.failures = append(breaker.failures, now)
		breaker.pruneLocked(now)

		if len(breaker.failures) >= breaker.cfg.FailureThreshold {
			breaker.openedAt = now
			transition = breaker.transitionLocked(StateOpen, now)
		}
	}

	breaker.mu.Unlock()
	breaker.notify(ctx, transition)
}

// pruneLocked drops failures that fell out of the sliding window.
// Caller must hold the mutex.
func (breaker *Breaker) pruneLocked(now time.Time) {
	if len(breaker.failures) == 0 {
		return
	}

	cutoff := now.Add(-breaker.cfg.Window)
	kept := breaker.failures[:0]

	for _, at := range breaker.failures {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	breaker.failures = kept
}

type stateTransition struct {
	from State
	to   State
}

// transitionLocked moves the state machine and returns the transition for
// notification outside the lock. Caller must hold the mutex.
func (breaker *Breaker) transitionLocked(to State, _ time.Time) *stateTransition {
	from := breaker.state
	if from == to {
		return nil
	}

	breaker.state = to

	return &stateTransition{from: from, to: to}
}

func (breaker *Breaker) notify(ctx context.Context, transition *stateTransition) {
	if transition == nil {
		return
	}

	breaker.logger.Info("circuit breaker state changed",
		zap.String("dependency", breaker.name),
		zap.String("from", transition.from.String()),
		zap.String("to", transition.to.String()),
	)

	breaker.metrics.recordTransition(ctx, breaker.name, transition.from, transition.to)

	if breaker.onState != nil {
		breaker.onState(breaker.name, transition.from, transition.to)
	}
}
