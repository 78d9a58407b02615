package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/backoff"
	"github.com/fieldwork-io/lib-outbound/outbound/circuitbreaker"
)

// Processor claims due outbox events and drives them through their
// registered deliverers. Delivery is at-least-once: an event is marked sent
// only after its deliverer succeeds, so a crash between delivery and
// persistence redelivers.
type Processor struct {
	store      Store
	registry   *DelivererRegistry
	breakers   *circuitbreaker.Registry
	breakerCfg circuitbreaker.Config
	logger     *zap.Logger
	tracer     trace.Tracer
	cfg        ProcessorConfig
	now        func() time.Time
	runLock    RunLock

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	cycleWg    sync.WaitGroup

	metrics processorMetrics
}

// Result captures one processing cycle outcome.
type Result struct {
	Claimed           int
	Sent              int
	Dead              int
	Failed            int
	StateUpdateFailed int
}

// NewProcessor creates a processor over a store, a deliverer registry, and a
// circuit breaker registry.
func NewProcessor(
	store Store,
	registry *DelivererRegistry,
	breakers *circuitbreaker.Registry,
	opts ...ProcessorOption,
) (*Processor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, fmt.Errorf("deliverer registry is required")
	}

	if breakers == nil {
		return nil, fmt.Errorf("circuit breaker registry is required")
	}

	processor := &Processor{
		store:      store,
		registry:   registry,
		breakers:   breakers,
		breakerCfg: circuitbreaker.DefaultConfig(),
		logger:     zap.NewNop(),
		tracer:     noop.NewTracerProvider().Tracer("outbound.noop"),
		cfg:        DefaultProcessorConfig(),
		now:        func() time.Time { return time.Now().UTC() },
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(processor)
		}
	}

	processor.cfg.normalize()

	metrics, err := newProcessorMetrics(processor.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	processor.metrics = metrics

	return processor, nil
}

// Run starts the polling loop until Stop is called or ctx is cancelled.
func (processor *Processor) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)
	if !processor.registerRun(cancel) {
		cancel()

		return ErrProcessorRunning
	}

	defer processor.clearRun()

	processor.logger.Info("outbox processor started",
		zap.Duration("poll_interval", processor.cfg.PollInterval),
		zap.Int("batch_size", processor.cfg.BatchSize),
	)
	defer processor.logger.Info("outbox processor stopped")

	ticker := time.NewTicker(processor.cfg.PollInterval)
	defer ticker.Stop()

	processor.runCycle(ctx)

	for {
		select {
		case <-processor.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			select {
			case <-processor.stop:
				return nil
			case <-ctx.Done():
				return nil
			default:
			}

			processor.runCycle(ctx)
		}
	}
}

func (processor *Processor) runCycle(ctx context.Context) {
	processor.cycleWg.Add(1)
	defer processor.cycleWg.Done()

	cycleCtx, span := processor.tracer.Start(ctx, "outbox.processor.cycle")
	defer span.End()

	if processor.runLock != nil {
		acquired, err := processor.runLock.Lock(cycleCtx)
		if err != nil {
			processor.logger.Error("failed to acquire processor run lock", zap.Error(err))

			return
		}

		if !acquired {
			return
		}

		defer func() {
			if _, err := processor.runLock.Unlock(cycleCtx); err != nil {
				processor.logger.Warn("failed to release processor run lock", zap.Error(err))
			}
		}()
	}

	result, err := processor.Process(cycleCtx, processor.cfg.BatchSize)
	if err != nil {
		processor.logger.Error("processing cycle failed", zap.Error(err))

		return
	}

	span.SetAttributes(
		attribute.Int("outbox.claimed", result.Claimed),
		attribute.Int("outbox.sent", result.Sent),
		attribute.Int("outbox.dead", result.Dead),
		attribute.Int("outbox.failed", result.Failed),
	)
}

// Stop signals the polling loop to stop.
func (processor *Processor) Stop() {
	if processor == nil {
		return
	}

	processor.stopOnce.Do(func() {
		processor.runStateMu.Lock()
		cancel := processor.cancelFunc
		stop := processor.stop
		if stop == nil {
			stop = make(chan struct{})
			processor.stop = stop
		}
		processor.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (processor *Processor) Shutdown(ctx context.Context) error {
	if processor == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	processor.Stop()

	done := make(chan struct{})

	go func() {
		processor.cycleWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("processor shutdown: %w", ctx.Err())
	}
}

// Process runs one cycle: claim up to limit due events and deliver them with
// bounded concurrency. A claim failure is systemic and returns an error;
// per-event failures are absorbed into the result counters.
func (processor *Processor) Process(ctx context.Context, limit int) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		limit = processor.cfg.BatchSize
	}

	start := processor.now()

	ctx, span := processor.tracer.Start(ctx, "outbox.process")
	defer span.End()

	events, err := processor.store.ClaimDue(ctx, start, limit, processor.cfg.ClaimLease)
	if err != nil {
		return Result{}, fmt.Errorf("claim due events: %w", err)
	}

	if processor.metrics.claimedDepth != nil {
		processor.metrics.claimedDepth.Record(ctx, int64(len(events)))
	}

	result := Result{Claimed: len(events)}

	var (
		resultMu  sync.Mutex
		deliverWg sync.WaitGroup
	)

	semaphore := make(chan struct{}, processor.cfg.Concurrency)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}

		if event == nil {
			continue
		}

		semaphore <- struct{}{}

		deliverWg.Add(1)

		go func(event *Event) {
			defer deliverWg.Done()
			defer func() { <-semaphore }()

			outcome := processor.deliver(ctx, event)
			persisted := processor.persistOutcome(ctx, event, outcome)

			resultMu.Lock()
			defer resultMu.Unlock()

			if !persisted {
				result.StateUpdateFailed++

				return
			}

			switch outcome.code {
			case dispositionSent:
				result.Sent++
			case dispositionDead:
				result.Dead++
			case dispositionRetry:
				result.Failed++
			}
		}(event)
	}

	deliverWg.Wait()

	processor.recordCycle(ctx, result, processor.now().Sub(start))

	return result, nil
}

// deliver runs one delivery attempt and decides the event's next state
// without touching the store.
func (processor *Processor) deliver(ctx context.Context, event *Event) disposition {
	registration, err := processor.registry.Resolve(event.Kind)
	if err != nil {
		// Nothing can ever deliver this event; retrying burns attempts
		// without hope.
		return disposition{
			code:     dispositionDead,
			attempts: event.Attempts,
			reason:   sanitizeErrorForStorage(err),
		}
	}

	breaker, err := processor.breakers.GetOrCreate(registration.Dependency, processor.breakerCfg)
	if err != nil {
		return disposition{
			code:          dispositionRetry,
			attempts:      event.Attempts + 1,
			nextAttemptAt: processor.now().Add(processor.cfg.RetryBackoff),
			reason:        sanitizeErrorForStorage(err),
		}
	}

	deliveryCtx, cancel := context.WithTimeout(ctx, processor.cfg.DeliveryTimeout)
	defer cancel()

	err = breaker.Do(deliveryCtx, func(ctx context.Context) error {
		return registration.Deliverer.Deliver(ctx, event)
	})
	if err == nil {
		return disposition{code: dispositionSent}
	}

	attempts := event.Attempts + 1

	if IsPermanentDelivery(err) {
		return disposition{
			code:     dispositionDead,
			attempts: attempts,
			reason:   sanitizeErrorForStorage(err),
		}
	}

	if attempts >= processor.cfg.MaxAttempts {
		return disposition{
			code:     dispositionDead,
			attempts: attempts,
			reason:   sanitizeErrorForStorage(err),
		}
	}

	delay := backoff.EqualJitter(backoff.ExponentialCapped(
		processor.cfg.RetryBackoff,
		attempts-1,
		processor.cfg.RetryBackoffCap,
	))

	return disposition{
		code:          dispositionRetry,
		attempts:      attempts,
		nextAttemptAt: processor.now().Add(delay),
		reason:        sanitizeErrorForStorage(err),
	}
}

// persistOutcome applies a disposition to the store. Returns false when the
// state update failed; the claim lease then re-expires the event, so a sent
// event may be redelivered.
func (processor *Processor) persistOutcome(ctx context.Context, event *Event, outcome disposition) bool {
	var err error

	switch outcome.code {
	case dispositionSent:
		err = processor.store.MarkSent(ctx, event.ID)
	case dispositionRetry:
		err = processor.store.MarkRetry(ctx, event.ID, outcome.attempts, outcome.nextAttemptAt, outcome.reason)
	case dispositionDead:
		err = processor.store.MarkDead(ctx, event.ID, outcome.attempts, outcome.reason)
	}

	if err == nil {
		if outcome.code == dispositionDead {
			processor.logger.Warn("outbox event dead-lettered",
				zap.String("event_id", event.ID.String()),
				zap.String("kind", event.Kind.String()),
				zap.Int("attempts", outcome.attempts),
				zap.String("last_error", outcome.reason),
			)
		}

		return true
	}

	processor.logger.Error("failed to persist delivery outcome; event may be redelivered",
		zap.String("event_id", event.ID.String()),
		zap.String("outcome", string(outcome.code)),
		zap.String("error", sanitizeErrorForStorage(err)),
	)

	return false
}

func (processor *Processor) recordCycle(ctx context.Context, result Result, elapsed time.Duration) {
	if processor.metrics.eventsSent != nil && result.Sent > 0 {
		processor.metrics.eventsSent.Add(ctx, int64(result.Sent))
	}

	if processor.metrics.eventsDead != nil && result.Dead > 0 {
		processor.metrics.eventsDead.Add(ctx, int64(result.Dead))
	}

	if processor.metrics.eventsFailed != nil && result.Failed > 0 {
		processor.metrics.eventsFailed.Add(ctx, int64(result.Failed))
	}

	if processor.metrics.eventsStateFailed != nil && result.StateUpdateFailed > 0 {
		processor.metrics.eventsStateFailed.Add(ctx, int64(result.StateUpdateFailed))
	}

	if processor.metrics.cycleLatency != nil {
		processor.metrics.cycleLatency.Record(ctx, elapsed.Seconds())
	}
}

func (processor *Processor) registerRun(cancel context.CancelFunc) bool {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	if processor.running {
		return false
	}

	if processor.stop == nil || isClosedSignal(processor.stop) {
		processor.stop = make(chan struct{})
		processor.stopOnce = sync.Once{}
	}

	processor.running = true
	processor.cancelFunc = cancel

	return true
}

func (processor *Processor) clearRun() {
	processor.runStateMu.Lock()
	defer processor.runStateMu.Unlock()

	processor.running = false
	processor.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
