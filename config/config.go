// Package config loads resilience, observability and admin settings from
// YAML and applies them to a resilience.Registry.
//
// Keys are kebab-case and mirror the policy fields:
//
//	resilience:
//	  circuit-breaker:
//	    failure-rate-threshold: 50
//	    instance-configs:
//	      payments.charge: 30s
//	  retry:
//	    max-attempts: 3
//	  operations:
//	    payments.charge:
//	      retry:
//	        max-attempts: 5
//
// Global sections are the defaults for every operation. A section under
// operations.<name> overlays the global section of the same kind for that
// operation only.
package config

import (
	"time"

	"github.com/nexora/kit/observe"
)

// Config is the root of the configuration tree.
type Config struct {
	Resilience ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
	Observe    observe.Config   `mapstructure:"observe" yaml:"observe"`
	Admin      AdminConfig      `mapstructure:"admin" yaml:"admin"`
	Health     HealthConfig     `mapstructure:"health" yaml:"health"`
	Secrets    SecretsConfig    `mapstructure:"secrets" yaml:"secrets"`
}

// ResilienceConfig holds the global policy sections and per-operation overlays.
type ResilienceConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Version labels every policy built from this tree unless an operation
	// sets its own.
	Version string `mapstructure:"version" yaml:"version,omitempty"`

	CircuitBreaker CircuitBreakerSection `mapstructure:"circuit-breaker" yaml:"circuit-breaker"`
	Retry          RetrySection          `mapstructure:"retry" yaml:"retry"`
	TimeLimiter    TimeLimiterSection    `mapstructure:"time-limiter" yaml:"time-limiter"`
	RateLimiter    RateLimiterSection    `mapstructure:"rate-limiter" yaml:"rate-limiter"`
	Bulkhead       BulkheadSection       `mapstructure:"bulkhead" yaml:"bulkhead"`

	// Operations maps an operation name to raw section overrides. They are
	// decoded on top of the global sections by OperationPolicies.
	Operations map[string]map[string]any `mapstructure:"operations" yaml:"operations,omitempty"`
}

// CircuitBreakerSection configures circuit breakers.
type CircuitBreakerSection struct {
	Enabled                               bool          `mapstructure:"enabled" yaml:"enabled"`
	FailureRateThreshold                  float64       `mapstructure:"failure-rate-threshold" yaml:"failure-rate-threshold"`
	SlowCallRateThreshold                 float64       `mapstructure:"slow-call-rate-threshold" yaml:"slow-call-rate-threshold"`
	SlowCallDurationThreshold             time.Duration `mapstructure:"slow-call-duration-threshold" yaml:"slow-call-duration-threshold"`
	SlidingWindowType                     string        `mapstructure:"sliding-window-type" yaml:"sliding-window-type"`
	SlidingWindowSize                     int           `mapstructure:"sliding-window-size" yaml:"sliding-window-size"`
	MinimumNumberOfCalls                  int           `mapstructure:"minimum-number-of-calls" yaml:"minimum-number-of-calls"`
	WaitDurationInOpenState               time.Duration `mapstructure:"wait-duration-in-open-state" yaml:"wait-duration-in-open-state"`
	PermittedNumberOfCallsInHalfOpenState int           `mapstructure:"permitted-number-of-calls-in-half-open-state" yaml:"permitted-number-of-calls-in-half-open-state"`

	// InstanceConfigs overrides the open-state wait per operation name.
	InstanceConfigs map[string]time.Duration `mapstructure:"instance-configs" yaml:"instance-configs,omitempty"`
}

// RetrySection configures retries.
type RetrySection struct {
	Enabled                      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts                  int           `mapstructure:"max-attempts" yaml:"max-attempts"`
	WaitDuration                 time.Duration `mapstructure:"wait-duration" yaml:"wait-duration"`
	MaxDelay                     time.Duration `mapstructure:"max-delay" yaml:"max-delay"`
	EnableExponentialBackoff     bool          `mapstructure:"enable-exponential-backoff" yaml:"enable-exponential-backoff"`
	ExponentialBackoffMultiplier float64       `mapstructure:"exponential-backoff-multiplier" yaml:"exponential-backoff-multiplier"`
	Jitter                       bool          `mapstructure:"jitter" yaml:"jitter"`

	// RetryExceptions names errors from the ErrorCatalog that may be retried.
	// Empty means every failure is retried.
	RetryExceptions []string `mapstructure:"retry-exceptions" yaml:"retry-exceptions,omitempty"`
}

// TimeLimiterSection configures per-attempt timeouts.
type TimeLimiterSection struct {
	Enabled         bool          `mapstructure:"enabled" yaml:"enabled"`
	TimeoutDuration time.Duration `mapstructure:"timeout-duration" yaml:"timeout-duration"`
}

// RateLimiterSection configures rate limiters.
type RateLimiterSection struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	LimitForPeriod     int           `mapstructure:"limit-for-period" yaml:"limit-for-period"`
	LimitRefreshPeriod time.Duration `mapstructure:"limit-refresh-period" yaml:"limit-refresh-period"`
	TimeoutDuration    time.Duration `mapstructure:"timeout-duration" yaml:"timeout-duration"`
	Algorithm          string        `mapstructure:"algorithm" yaml:"algorithm"`
}

// BulkheadSection configures bulkheads.
type BulkheadSection struct {
	Enabled            bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxConcurrentCalls int           `mapstructure:"max-concurrent-calls" yaml:"max-concurrent-calls"`
	MaxWaitDuration    time.Duration `mapstructure:"max-wait-duration" yaml:"max-wait-duration"`
	MaxQueueDepth      int           `mapstructure:"max-queue-depth" yaml:"max-queue-depth"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Enabled bool      `mapstructure:"enabled" yaml:"enabled"`
	Addr    string    `mapstructure:"addr" yaml:"addr"`
	JWT     JWTConfig `mapstructure:"jwt" yaml:"jwt"`
}

// JWTConfig configures bearer token validation for the admin API.
type JWTConfig struct {
	Issuer   string `mapstructure:"issuer" yaml:"issuer"`
	Audience string `mapstructure:"audience" yaml:"audience"`

	// SigningKey is the HMAC key. It may be a secret reference such as
	// secretref:env:NEXORA_ADMIN_KEY.
	SigningKey string `mapstructure:"signing-key" yaml:"signing-key"`

	// Role is required on admin tokens.
	Role     string        `mapstructure:"role" yaml:"role"`
	TokenTTL time.Duration `mapstructure:"token-ttl" yaml:"token-ttl"`
}

// HealthConfig configures breaker health checks.
type HealthConfig struct {
	// Critical operations report unhealthy instead of degraded when open.
	Critical []string      `mapstructure:"critical" yaml:"critical,omitempty"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SecretsConfig configures secret providers by name.
type SecretsConfig struct {
	Providers map[string]map[string]any `mapstructure:"providers" yaml:"providers,omitempty"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Resilience: ResilienceConfig{
			Enabled: true,
			CircuitBreaker: CircuitBreakerSection{
				Enabled:                               true,
				FailureRateThreshold:                  50,
				SlowCallRateThreshold:                 100,
				SlowCallDurationThreshold:             60 * time.Second,
				SlidingWindowType:                     "count",
				SlidingWindowSize:                     10,
				MinimumNumberOfCalls:                  5,
				WaitDurationInOpenState:               10 * time.Second,
				PermittedNumberOfCallsInHalfOpenState: 3,
			},
			Retry: RetrySection{
				Enabled:                      true,
				MaxAttempts:                  3,
				WaitDuration:                 time.Second,
				MaxDelay:                     30 * time.Second,
				ExponentialBackoffMultiplier: 2.0,
			},
			TimeLimiter: TimeLimiterSection{
				TimeoutDuration: 5 * time.Second,
			},
			RateLimiter: RateLimiterSection{
				LimitForPeriod:     10,
				LimitRefreshPeriod: time.Second,
				TimeoutDuration:    5 * time.Second,
				Algorithm:          "fixed_window",
			},
			Bulkhead: BulkheadSection{
				MaxConcurrentCalls: 25,
			},
		},
		Observe: observe.Config{
			ServiceName: "nexora",
			Tracing:     observe.TracingConfig{Exporter: "none", SamplePct: 1.0},
			Metrics:     observe.MetricsConfig{Enabled: true, Exporter: "prometheus"},
			Logging:     observe.LoggingConfig{Enabled: true, Level: "info"},
		},
		Admin: AdminConfig{
			Addr: ":8081",
			JWT: JWTConfig{
				Issuer:   "nexora",
				Audience: "nexora-admin",
				Role:     "resilience-admin",
				TokenTTL: time.Hour,
			},
		},
		Health: HealthConfig{
			Timeout: 2 * time.Second,
		},
	}
}
