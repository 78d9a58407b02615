// Package config loads worker settings from a YAML file and OUTBOUND_*
// environment variables. Environment values override file values.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const envPrefix = "OUTBOUND"

// DatabaseSettings locates the outbox storage.
type DatabaseSettings struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	MigrationsPath string `mapstructure:"migrations_path"`
	Name           string `mapstructure:"name" validate:"required"`
}

// BrokerSettings locates the AMQP broker used for email delivery.
type BrokerSettings struct {
	URL        string `mapstructure:"url" validate:"required"`
	Exchange   string `mapstructure:"exchange" validate:"required"`
	RoutingKey string `mapstructure:"routing_key" validate:"required"`
}

// RedisSettings locates the Redis instance used for the export stream and
// the processor run lock.
type RedisSettings struct {
	Address string `mapstructure:"address" validate:"required"`
	Stream  string `mapstructure:"stream" validate:"required"`
	LockKey string `mapstructure:"lock_key" validate:"required"`
}

// WebhookSettings configures the outbound webhook deliverer.
type WebhookSettings struct {
	Endpoint   string `mapstructure:"endpoint" validate:"required,url"`
	SigningKey string `mapstructure:"signing_key"`
}

// BreakerSettings tunes the per-dependency circuit breakers.
type BreakerSettings struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"gte=1"`
	RecoveryTime     time.Duration `mapstructure:"recovery_time" validate:"gt=0"`
	Window           time.Duration `mapstructure:"window" validate:"gt=0"`
	HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls" validate:"gte=1"`
}

// ProcessorSettings tunes the delivery loop.
type ProcessorSettings struct {
	PollInterval    time.Duration   `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize       int             `mapstructure:"batch_size" validate:"gte=1"`
	MaxAttempts     int             `mapstructure:"max_attempts" validate:"gte=1"`
	RetryBackoff    time.Duration   `mapstructure:"retry_backoff" validate:"gt=0"`
	RetryBackoffCap time.Duration   `mapstructure:"retry_backoff_cap" validate:"gt=0"`
	DeliveryTimeout time.Duration   `mapstructure:"delivery_timeout" validate:"gt=0"`
	Concurrency     int             `mapstructure:"concurrency" validate:"gte=1"`
	ClaimLease      time.Duration   `mapstructure:"claim_lease" validate:"gt=0"`
	Breaker         BreakerSettings `mapstructure:"breaker"`
}

// AdminSettings configures the operational HTTP API.
type AdminSettings struct {
	ListenAddress string `mapstructure:"listen_address" validate:"required"`
}

// Settings is the full worker configuration.
type Settings struct {
	Database  DatabaseSettings  `mapstructure:"database"`
	Broker    BrokerSettings    `mapstructure:"broker"`
	Redis     RedisSettings     `mapstructure:"redis"`
	Webhook   WebhookSettings   `mapstructure:"webhook"`
	Processor ProcessorSettings `mapstructure:"processor"`
	Admin     AdminSettings     `mapstructure:"admin"`
}

// Validate checks the loaded settings against their constraints.
func (settings *Settings) Validate() error {
	if err := validator.New().Struct(settings); err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	return nil
}

// Load reads settings from the YAML file at path, then applies OUTBOUND_*
// environment variables on top. An empty path skips the file and loads
// from environment and defaults only.
func Load(path string) (*Settings, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvKeys(v)

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.name", "outbound")

	v.SetDefault("broker.exchange", "outbound.notifications")
	v.SetDefault("broker.routing_key", "email.send")

	v.SetDefault("redis.stream", "outbound:exports")
	v.SetDefault("redis.lock_key", "outbound:processor:run")

	v.SetDefault("processor.poll_interval", 2*time.Second)
	v.SetDefault("processor.batch_size", 50)
	v.SetDefault("processor.max_attempts", 5)
	v.SetDefault("processor.retry_backoff", 30*time.Second)
	v.SetDefault("processor.retry_backoff_cap", time.Hour)
	v.SetDefault("processor.delivery_timeout", 30*time.Second)
	v.SetDefault("processor.concurrency", 4)
	v.SetDefault("processor.claim_lease", 5*time.Minute)

	v.SetDefault("processor.breaker.failure_threshold", 5)
	v.SetDefault("processor.breaker.recovery_time", 30*time.Second)
	v.SetDefault("processor.breaker.window", time.Minute)
	v.SetDefault("processor.breaker.half_open_max_calls", 1)

	v.SetDefault("admin.listen_address", ":8087")
}

// bindEnvKeys binds keys that have no default so AutomaticEnv can fill
// them during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"database.dsn",
		"broker.url",
		"redis.address",
		"webhook.endpoint",
		"webhook.signing_key",
	} {
		_ = v.BindEnv(key)
	}
}
