package outbox

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/circuitbreaker"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultBatchSize       = 50
	defaultMaxAttempts     = 5
	defaultRetryBackoff    = 30 * time.Second
	defaultRetryBackoffCap = 1 * time.Hour
	defaultDeliveryTimeout = 30 * time.Second
	defaultConcurrency     = 4
	defaultClaimLease      = 5 * time.Minute
)

// RunLock serializes processing cycles across processor instances. Lock
// returns false without error when another instance holds the lock.
type RunLock interface {
	Lock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) (bool, error)
}

// ProcessorConfig controls polling, retry, and concurrency behavior.
type ProcessorConfig struct {
	// PollInterval is the periodic interval between processing cycles.
	PollInterval time.Duration
	// BatchSize is the max number of events claimed per cycle.
	BatchSize int
	// MaxAttempts is the attempt budget before an event dead-letters.
	MaxAttempts int
	// RetryBackoff is the base delay for the exponential retry schedule.
	RetryBackoff time.Duration
	// RetryBackoffCap bounds the retry delay regardless of attempt count.
	RetryBackoffCap time.Duration
	// DeliveryTimeout bounds a single delivery attempt.
	DeliveryTimeout time.Duration
	// Concurrency is the max number of in-flight deliveries per cycle.
	Concurrency int
	// ClaimLease is how long a claimed event stays invisible to other
	// processors. It must exceed DeliveryTimeout plus persistence time.
	ClaimLease time.Duration
	// MeterProvider overrides the default global meter provider when set.
	MeterProvider metric.MeterProvider
}

// DefaultProcessorConfig returns the baseline processor configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval:    defaultPollInterval,
		BatchSize:       defaultBatchSize,
		MaxAttempts:     defaultMaxAttempts,
		RetryBackoff:    defaultRetryBackoff,
		RetryBackoffCap: defaultRetryBackoffCap,
		DeliveryTimeout: defaultDeliveryTimeout,
		Concurrency:     defaultConcurrency,
		ClaimLease:      defaultClaimLease,
	}
}

func (cfg *ProcessorConfig) normalize() {
	defaults := DefaultProcessorConfig()

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}

	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}

	if cfg.RetryBackoffCap <= 0 {
		cfg.RetryBackoffCap = defaults.RetryBackoffCap
	}

	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaults.DeliveryTimeout
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}

	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = defaults.ClaimLease
	}

	if cfg.ClaimLease <= cfg.DeliveryTimeout {
		cfg.ClaimLease = cfg.DeliveryTimeout + time.Minute
	}
}

// ProcessorOption mutates processor configuration at construction.
type ProcessorOption func(*Processor)

// WithBatchSize sets the maximum events claimed in one cycle.
func WithBatchSize(size int) ProcessorOption {
	return func(processor *Processor) {
		if size > 0 {
			processor.cfg.BatchSize = size
		}
	}
}

// WithPollInterval sets the polling interval between cycles.
func WithPollInterval(interval time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if interval > 0 {
			processor.cfg.PollInterval = interval
		}
	}
}

// WithMaxAttempts sets the attempt budget before an event dead-letters.
func WithMaxAttempts(maxAttempts int) ProcessorOption {
	return func(processor *Processor) {
		if maxAttempts > 0 {
			processor.cfg.MaxAttempts = maxAttempts
		}
	}
}

// WithRetryBackoff sets the base delay of the exponential retry schedule.
func WithRetryBackoff(base time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if base > 0 {
			processor.cfg.RetryBackoff = base
		}
	}
}

// WithRetryBackoffCap bounds the retry delay.
func WithRetryBackoffCap(ceiling time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if ceiling > 0 {
			processor.cfg.RetryBackoffCap = ceiling
		}
	}
}

// WithDeliveryTimeout bounds each delivery attempt.
func WithDeliveryTimeout(timeout time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if timeout > 0 {
			processor.cfg.DeliveryTimeout = timeout
		}
	}
}

// WithConcurrency sets the number of parallel deliveries per cycle.
func WithConcurrency(concurrency int) ProcessorOption {
	return func(processor *Processor) {
		if concurrency > 0 {
			processor.cfg.Concurrency = concurrency
		}
	}
}

// WithClaimLease sets how long claimed events stay invisible to other
// processors.
func WithClaimLease(lease time.Duration) ProcessorOption {
	return func(processor *Processor) {
		if lease > 0 {
			processor.cfg.ClaimLease = lease
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ProcessorOption {
	return func(processor *Processor) {
		if now != nil {
			processor.now = now
		}
	}
}

// WithBreakerConfig sets the config used when the processor creates a
// breaker for a dependency it has not seen before.
func WithBreakerConfig(cfg circuitbreaker.Config) ProcessorOption {
	return func(processor *Processor) {
		processor.breakerCfg = cfg
	}
}

// WithRunLock serializes cycles across processor instances, typically with a
// Redis-backed distributed lock.
func WithRunLock(lock RunLock) ProcessorOption {
	return func(processor *Processor) {
		processor.runLock = lock
	}
}

// WithLogger sets the processor logger. Defaults to zap.NewNop.
func WithLogger(logger *zap.Logger) ProcessorOption {
	return func(processor *Processor) {
		if logger != nil {
			processor.logger = logger
		}
	}
}

// WithTracer sets the processor tracer. Defaults to a noop tracer.
func WithTracer(tracer trace.Tracer) ProcessorOption {
	return func(processor *Processor) {
		if tracer != nil {
			processor.tracer = tracer
		}
	}
}

// WithMeterProvider injects a custom meter provider for processor metrics.
// Passing nil keeps the default global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) ProcessorOption {
	return func(processor *Processor) {
		processor.cfg.MeterProvider = provider
	}
}
