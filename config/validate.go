package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nexora/kit/resilience"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
}

// Validate checks every section, every operation overlay and the observe and
// admin settings. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Resilience.Enabled {
		if _, err := c.Resilience.defaultPolicies(nil, false); err != nil {
			errs = append(errs, err)
		}
		for _, op := range c.Resilience.ExplicitOperations() {
			if op == "" {
				errs = append(errs, invalid("empty operation name"))
				continue
			}
			if _, err := c.Resilience.operationPolicies(op, nil, false); err != nil {
				errs = append(errs, err)
			}
		}
	}
	errs = append(errs, checkOperationNames("resilience.operations", slices.Sorted(maps.Keys(c.Resilience.Operations)))...)
	errs = append(errs, checkOperationNames("health.critical", c.Health.Critical)...)
	for op, wait := range c.Resilience.CircuitBreaker.InstanceConfigs {
		if err := checkOperationName("circuit-breaker.instance-configs", op); err != nil {
			errs = append(errs, err)
		}
		if wait <= 0 {
			errs = append(errs, invalid("circuit-breaker.instance-configs.%s: must be positive, got %s", op, wait))
		}
	}

	if err := c.Observe.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("%w: observe: %w", ErrInvalidConfig, err))
	}

	if c.Admin.Enabled {
		if c.Admin.Addr == "" {
			errs = append(errs, invalid("admin.addr is required when admin is enabled"))
		}
		if c.Admin.JWT.SigningKey == "" {
			errs = append(errs, invalid("admin.jwt.signing-key is required when admin is enabled"))
		}
		if c.Admin.JWT.TokenTTL <= 0 {
			errs = append(errs, invalid("admin.jwt.token-ttl must be positive"))
		}
	}

	if c.Health.Timeout < 0 {
		errs = append(errs, invalid("health.timeout must not be negative"))
	}

	return errors.Join(errs...)
}

// checkOperationName rejects names with upper-case letters. Config keys are
// case-insensitive, so such a name could never match the operation callers
// execute.
func checkOperationName(field, op string) error {
	if op != strings.ToLower(op) {
		return invalid("%s: operation name %q must be lower case", field, op)
	}
	return nil
}

// ValidateOperationName reports an operation name that config keys cannot
// address.
func ValidateOperationName(op string) error {
	if op == "" {
		return invalid("empty operation name")
	}
	return checkOperationName("operation", op)
}

func checkOperationNames(field string, ops []string) []error {
	var errs []error
	for _, op := range ops {
		if err := checkOperationName(field, op); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// rawOperationNames lists the operation keys of YAML content as written.
// Decoding folds map keys to lower case, so this runs on the source text.
func rawOperationNames(content string) (ops, instances []string) {
	var raw struct {
		Resilience struct {
			Operations     map[string]any `yaml:"operations"`
			CircuitBreaker struct {
				InstanceConfigs map[string]any `yaml:"instance-configs"`
			} `yaml:"circuit-breaker"`
		} `yaml:"resilience"`
	}
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil, nil
	}
	for op := range raw.Resilience.Operations {
		ops = append(ops, op)
	}
	for op := range raw.Resilience.CircuitBreaker.InstanceConfigs {
		instances = append(instances, op)
	}
	slices.Sort(ops)
	slices.Sort(instances)
	return ops, instances
}

// ValidateCatalog checks that every retry-exceptions name resolves in catalog.
func (c *Config) ValidateCatalog(catalog ErrorCatalog) error {
	if _, err := c.Resilience.DefaultPolicies(catalog); err != nil {
		return err
	}
	for _, op := range c.Resilience.ExplicitOperations() {
		if _, err := c.Resilience.OperationPolicies(op, catalog); err != nil {
			return err
		}
	}
	return nil
}

func (s CircuitBreakerSection) validate() error {
	switch {
	case s.FailureRateThreshold <= 0 || s.FailureRateThreshold > 100:
		return invalid("circuit-breaker.failure-rate-threshold must be in (0, 100], got %v", s.FailureRateThreshold)
	case s.SlowCallRateThreshold <= 0 || s.SlowCallRateThreshold > 100:
		return invalid("circuit-breaker.slow-call-rate-threshold must be in (0, 100], got %v", s.SlowCallRateThreshold)
	case s.SlowCallDurationThreshold < 0:
		return invalid("circuit-breaker.slow-call-duration-threshold must not be negative")
	case s.SlidingWindowSize < 0:
		return invalid("circuit-breaker.sliding-window-size must not be negative")
	case s.MinimumNumberOfCalls < 0:
		return invalid("circuit-breaker.minimum-number-of-calls must not be negative")
	case s.WaitDurationInOpenState < 0:
		return invalid("circuit-breaker.wait-duration-in-open-state must not be negative")
	case s.PermittedNumberOfCallsInHalfOpenState < 0:
		return invalid("circuit-breaker.permitted-number-of-calls-in-half-open-state must not be negative")
	}
	switch resilience.WindowType(s.SlidingWindowType) {
	case "", resilience.WindowCount, resilience.WindowTime:
		return nil
	default:
		return invalid("circuit-breaker.sliding-window-type must be %q or %q, got %q",
			resilience.WindowCount, resilience.WindowTime, s.SlidingWindowType)
	}
}

func (s RetrySection) validate() error {
	switch {
	case s.MaxAttempts < 1:
		return invalid("retry.max-attempts must be at least 1, got %d", s.MaxAttempts)
	case s.WaitDuration < 0:
		return invalid("retry.wait-duration must not be negative")
	case s.MaxDelay < 0:
		return invalid("retry.max-delay must not be negative")
	case s.EnableExponentialBackoff && s.ExponentialBackoffMultiplier != 0 && s.ExponentialBackoffMultiplier < 1:
		return invalid("retry.exponential-backoff-multiplier must be at least 1, got %v", s.ExponentialBackoffMultiplier)
	}
	return nil
}

func (s TimeLimiterSection) validate() error {
	if s.TimeoutDuration <= 0 {
		return invalid("time-limiter.timeout-duration must be positive, got %s", s.TimeoutDuration)
	}
	return nil
}

func (s RateLimiterSection) validate() error {
	switch {
	case s.LimitForPeriod < 1:
		return invalid("rate-limiter.limit-for-period must be at least 1, got %d", s.LimitForPeriod)
	case s.LimitRefreshPeriod <= 0:
		return invalid("rate-limiter.limit-refresh-period must be positive, got %s", s.LimitRefreshPeriod)
	case s.TimeoutDuration < 0:
		return invalid("rate-limiter.timeout-duration must not be negative")
	}
	switch resilience.RateLimitAlgorithm(s.Algorithm) {
	case "", resilience.AlgorithmFixedWindow, resilience.AlgorithmTokenBucket:
		return nil
	default:
		return invalid("rate-limiter.algorithm must be %q or %q, got %q",
			resilience.AlgorithmFixedWindow, resilience.AlgorithmTokenBucket, s.Algorithm)
	}
}

func (s BulkheadSection) validate() error {
	switch {
	case s.MaxConcurrentCalls < 1:
		return invalid("bulkhead.max-concurrent-calls must be at least 1, got %d", s.MaxConcurrentCalls)
	case s.MaxWaitDuration < 0:
		return invalid("bulkhead.max-wait-duration must not be negative")
	case s.MaxQueueDepth < 0:
		return invalid("bulkhead.max-queue-depth must not be negative")
	}
	return nil
}
