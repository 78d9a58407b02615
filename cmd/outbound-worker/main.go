// Command outbound-worker runs the outbound delivery processor together
// with its admin API. It drains the outbox table, delivering email events
// to RabbitMQ, webhook events over HTTP, and export events to a Redis
// stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/adapter"
	"github.com/fieldwork-io/lib-outbound/outbound/admin"
	"github.com/fieldwork-io/lib-outbound/outbound/circuitbreaker"
	"github.com/fieldwork-io/lib-outbound/outbound/config"
	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
	outboxpg "github.com/fieldwork-io/lib-outbound/outbound/outbox/postgres"
	"github.com/fieldwork-io/lib-outbound/outbound/redislock"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger); err != nil {
		logger.Fatal("outbound worker failed", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings, err := config.Load(os.Getenv("OUTBOUND_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	db, err := outboxpg.Connect(ctx, settings.Database.DSN)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := outboxpg.RunMigrations(db, settings.Database.MigrationsPath, settings.Database.Name, logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	store, err := outboxpg.NewRepository(db, outboxpg.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}

	amqpConn, err := amqp.Dial(settings.Broker.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer func() { _ = amqpConn.Close() }()

	amqpChannel, err := amqpConn.Channel()
	if err != nil {
		return fmt.Errorf("open broker channel: %w", err)
	}
	defer func() { _ = amqpChannel.Close() }()

	redisClient := redis.NewClient(&redis.Options{Addr: settings.Redis.Address})
	defer func() { _ = redisClient.Close() }()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	registry, err := buildDelivererRegistry(settings, amqpChannel, redisClient, logger)
	if err != nil {
		return fmt.Errorf("register deliverers: %w", err)
	}

	runLock, err := redislock.New(redisClient, settings.Redis.LockKey,
		redislock.WithExpiry(settings.Processor.ClaimLease),
		redislock.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init run lock: %w", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.WithLogger(logger))

	processor, err := outbox.NewProcessor(store, registry, breakers,
		outbox.WithLogger(logger),
		outbox.WithRunLock(runLock),
		outbox.WithPollInterval(settings.Processor.PollInterval),
		outbox.WithBatchSize(settings.Processor.BatchSize),
		outbox.WithMaxAttempts(settings.Processor.MaxAttempts),
		outbox.WithRetryBackoff(settings.Processor.RetryBackoff),
		outbox.WithRetryBackoffCap(settings.Processor.RetryBackoffCap),
		outbox.WithDeliveryTimeout(settings.Processor.DeliveryTimeout),
		outbox.WithConcurrency(settings.Processor.Concurrency),
		outbox.WithClaimLease(settings.Processor.ClaimLease),
		outbox.WithBreakerConfig(circuitbreaker.Config{
			FailureThreshold: settings.Processor.Breaker.FailureThreshold,
			RecoveryTime:     settings.Processor.Breaker.RecoveryTime,
			Window:           settings.Processor.Breaker.Window,
			HalfOpenMaxCalls: settings.Processor.Breaker.HalfOpenMaxCalls,
		}),
	)
	if err != nil {
		return fmt.Errorf("init processor: %w", err)
	}

	enqueuer, err := outbox.NewEnqueuer(store, logger)
	if err != nil {
		return fmt.Errorf("init enqueuer: %w", err)
	}

	replayer, err := outbox.NewReplayer(store, logger)
	if err != nil {
		return fmt.Errorf("init replayer: %w", err)
	}

	adminServer, err := admin.NewServer(store, enqueuer, replayer,
		admin.WithLogger(logger),
		admin.WithBreakerRegistry(breakers),
	)
	if err != nil {
		return fmt.Errorf("init admin server: %w", err)
	}

	errs := make(chan error, 2)

	go func() {
		logger.Info("admin api listening", zap.String("address", settings.Admin.ListenAddress))

		if err := adminServer.Listen(settings.Admin.ListenAddress); err != nil {
			errs <- fmt.Errorf("admin api: %w", err)
		}
	}()

	go func() {
		logger.Info("outbound processor starting",
			zap.Duration("poll_interval", settings.Processor.PollInterval),
			zap.Int("batch_size", settings.Processor.BatchSize),
		)

		if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs <- fmt.Errorf("processor: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		stop()

		logger.Error("component failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := processor.Shutdown(shutdownCtx); err != nil {
		logger.Warn("processor shutdown incomplete", zap.Error(err))
	}

	if err := adminServer.Shutdown(); err != nil {
		logger.Warn("admin api shutdown incomplete", zap.Error(err))
	}

	logger.Info("outbound worker stopped")

	return nil
}

func buildDelivererRegistry(
	settings *config.Settings,
	channel *amqp.Channel,
	redisClient redis.UniversalClient,
	logger *zap.Logger,
) (*outbox.DelivererRegistry, error) {
	registry := outbox.NewDelivererRegistry()

	emailDeliverer, err := adapter.NewAMQPDeliverer(channel, settings.Broker.Exchange, settings.Broker.RoutingKey,
		adapter.WithPublisherConfirms(settings.Processor.DeliveryTimeout))
	if err != nil {
		return nil, err
	}

	if err := registry.Register(outbox.KindEmail, "rabbitmq", emailDeliverer); err != nil {
		return nil, err
	}

	webhookOpts := []adapter.WebhookOption{adapter.WithWebhookLogger(logger)}
	if settings.Webhook.SigningKey != "" {
		webhookOpts = append(webhookOpts, adapter.WithWebhookHeader("Authorization", "Bearer "+settings.Webhook.SigningKey))
	}

	webhookDeliverer, err := adapter.NewWebhookDeliverer(settings.Webhook.Endpoint, webhookOpts...)
	if err != nil {
		return nil, err
	}

	if err := registry.Register(outbox.KindWebhook, "webhook-endpoint", webhookDeliverer); err != nil {
		return nil, err
	}

	exportDeliverer, err := adapter.NewExportDeliverer(redisClient, settings.Redis.Stream)
	if err != nil {
		return nil, err
	}

	if err := registry.Register(outbox.KindExport, "redis-stream", exportDeliverer); err != nil {
		return nil, err
	}

	return registry, nil
}
