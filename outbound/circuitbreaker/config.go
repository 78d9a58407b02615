package circuitbreaker

import "time"

// Config holds breaker thresholds for one dependency.
type Config struct {
	// FailureThreshold is the number of failures inside Window that opens the breaker.
	FailureThreshold int
	// RecoveryTime is how long the breaker stays open before admitting trial calls.
	RecoveryTime time.Duration
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int
}

// DefaultConfig provides balanced settings for most dependencies.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTime:     30 * time.Second,
		Window:           60 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// AggressiveConfig trips quickly for dependencies where fail-fast matters more
// than tolerance, such as payment providers on the request path.
func AggressiveConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTime:     15 * time.Second,
		Window:           30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// ConservativeConfig tolerates more failures before opening, suited to batch
// export sinks where slow degradation is common.
func ConservativeConfig() Config {
	return Config{
		FailureThreshold: 10,
		RecoveryTime:     60 * time.Second,
		Window:           120 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}

	if cfg.RecoveryTime <= 0 {
		cfg.RecoveryTime = defaults.RecoveryTime
	}

	if cfg.Window <= 0 {
		cfg.Window = defaults.Window
	}

	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
}
