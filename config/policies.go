package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/go-viper/mapstructure/v2"

	"github.com/nexora/kit/resilience"
)

// ErrorCatalog maps the names used in retry-exceptions to error values.
// Errors are matched with errors.Is.
type ErrorCatalog map[string]error

// Section keys accepted under operations.<name>.
const (
	sectionVersion        = "version"
	sectionCircuitBreaker = "circuit-breaker"
	sectionRetry          = "retry"
	sectionTimeLimiter    = "time-limiter"
	sectionRateLimiter    = "rate-limiter"
	sectionBulkhead       = "bulkhead"
)

// DefaultPolicies returns the enabled global sections as policy
// configurations. It returns nil when resilience is disabled.
func (c *ResilienceConfig) DefaultPolicies(catalog ErrorCatalog) ([]resilience.PolicyConfig, error) {
	return c.defaultPolicies(catalog, true)
}

func (c *ResilienceConfig) defaultPolicies(catalog ErrorCatalog, strict bool) ([]resilience.PolicyConfig, error) {
	if !c.Enabled {
		return nil, nil
	}
	return build(c.Version, c.CircuitBreaker, c.Retry, c.TimeLimiter, c.RateLimiter, c.Bulkhead, catalog, strict)
}

// ExplicitOperations returns the operations that carry their own
// configuration, either under operations or circuit-breaker.instance-configs.
func (c *ResilienceConfig) ExplicitOperations() []string {
	set := make(map[string]struct{}, len(c.Operations))
	for name := range c.Operations {
		set[name] = struct{}{}
	}
	if c.CircuitBreaker.Enabled {
		for name := range c.CircuitBreaker.InstanceConfigs {
			set[name] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// OperationPolicies returns the policy configurations for op: the global
// sections overlaid with the sections under operations.<op>.
//
// A section present under the operation is enabled unless it sets
// enabled: false. Sections the operation omits inherit the global section.
func (c *ResilienceConfig) OperationPolicies(op string, catalog ErrorCatalog) ([]resilience.PolicyConfig, error) {
	return c.operationPolicies(op, catalog, true)
}

func (c *ResilienceConfig) operationPolicies(op string, catalog ErrorCatalog, strict bool) ([]resilience.PolicyConfig, error) {
	if !c.Enabled {
		return nil, nil
	}

	var (
		version = c.Version
		cb      = c.CircuitBreaker
		retry   = c.Retry
		tl      = c.TimeLimiter
		rl      = c.RateLimiter
		bh      = c.Bulkhead
	)
	// Decoding merges into existing maps and slices, so the copies must not
	// share them with the global sections.
	cb.InstanceConfigs = nil
	retry.RetryExceptions = slices.Clone(retry.RetryExceptions)

	for key, raw := range c.Operations[op] {
		var err error
		switch key {
		case sectionVersion:
			err = decodeSection(raw, &version)
		case sectionCircuitBreaker:
			err = overlay(raw, &cb, &cb.Enabled)
		case sectionRetry:
			if m, ok := raw.(map[string]any); ok && m["retry-exceptions"] != nil {
				retry.RetryExceptions = nil
			}
			err = overlay(raw, &retry, &retry.Enabled)
		case sectionTimeLimiter:
			err = overlay(raw, &tl, &tl.Enabled)
		case sectionRateLimiter:
			err = overlay(raw, &rl, &rl.Enabled)
		case sectionBulkhead:
			err = overlay(raw, &bh, &bh.Enabled)
		default:
			err = fmt.Errorf("unknown section %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: operations.%s.%s: %w", ErrInvalidConfig, op, key, err)
		}
	}

	if wait, ok := c.CircuitBreaker.InstanceConfigs[op]; ok {
		cb.WaitDurationInOpenState = wait
	}

	return build(version, cb, retry, tl, rl, bh, catalog, strict)
}

// build converts enabled sections to policy configurations. Unless strict,
// retry-exceptions missing from catalog are skipped.
func build(version string, cb CircuitBreakerSection, retry RetrySection, tl TimeLimiterSection, rl RateLimiterSection, bh BulkheadSection, catalog ErrorCatalog, strict bool) ([]resilience.PolicyConfig, error) {
	var (
		cfgs []resilience.PolicyConfig
		errs []error
	)
	add := func(enabled bool, validate func() error, cfg func() (resilience.PolicyConfig, error)) {
		if !enabled {
			return
		}
		if err := validate(); err != nil {
			errs = append(errs, err)
			return
		}
		c, err := cfg()
		if err != nil {
			errs = append(errs, err)
			return
		}
		cfgs = append(cfgs, c)
	}

	add(cb.Enabled, cb.validate, func() (resilience.PolicyConfig, error) {
		return cb.policy(version), nil
	})
	add(retry.Enabled, retry.validate, func() (resilience.PolicyConfig, error) {
		return retry.policy(version, catalog, strict)
	})
	add(tl.Enabled, tl.validate, func() (resilience.PolicyConfig, error) {
		return resilience.TimeoutConfig{Version: version, Duration: tl.TimeoutDuration}, nil
	})
	add(rl.Enabled, rl.validate, func() (resilience.PolicyConfig, error) {
		return resilience.RateLimiterConfig{
			Version:            version,
			LimitForPeriod:     rl.LimitForPeriod,
			LimitRefreshPeriod: rl.LimitRefreshPeriod,
			TimeoutDuration:    rl.TimeoutDuration,
			Algorithm:          resilience.RateLimitAlgorithm(rl.Algorithm),
		}, nil
	})
	add(bh.Enabled, bh.validate, func() (resilience.PolicyConfig, error) {
		return resilience.BulkheadConfig{
			Version:            version,
			MaxConcurrentCalls: bh.MaxConcurrentCalls,
			MaxWaitDuration:    bh.MaxWaitDuration,
			MaxQueueDepth:      bh.MaxQueueDepth,
		}, nil
	})

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfgs, nil
}

func (s CircuitBreakerSection) policy(version string) resilience.CircuitBreakerConfig {
	return resilience.CircuitBreakerConfig{
		Version:                       version,
		FailureRateThreshold:          s.FailureRateThreshold,
		SlowCallRateThreshold:         s.SlowCallRateThreshold,
		SlowCallDurationThreshold:     s.SlowCallDurationThreshold,
		SlidingWindowType:             resilience.WindowType(s.SlidingWindowType),
		SlidingWindowSize:             s.SlidingWindowSize,
		MinimumNumberOfCalls:          s.MinimumNumberOfCalls,
		WaitDurationInOpenState:       s.WaitDurationInOpenState,
		PermittedCallsInHalfOpenState: s.PermittedNumberOfCallsInHalfOpenState,
	}
}

func (s RetrySection) policy(version string, catalog ErrorCatalog, strict bool) (resilience.RetryConfig, error) {
	cfg := resilience.RetryConfig{
		Version:      version,
		MaxAttempts:  s.MaxAttempts,
		WaitDuration: s.WaitDuration,
		MaxDelay:     s.MaxDelay,
		Multiplier:   s.ExponentialBackoffMultiplier,
		Jitter:       s.Jitter,
	}
	if s.EnableExponentialBackoff {
		cfg.Strategy = resilience.BackoffExponential
	}
	for _, name := range s.RetryExceptions {
		target, ok := catalog[name]
		if !ok && !strict {
			continue
		}
		if !ok {
			return resilience.RetryConfig{}, fmt.Errorf("%w: retry.retry-exceptions: unknown error %q", ErrInvalidConfig, name)
		}
		cfg.RetryOn = append(cfg.RetryOn, target)
	}
	return cfg, nil
}

// overlay decodes raw onto section. A section that does not mention enabled
// is switched on.
func overlay(raw any, section any, enabled *bool) error {
	m, ok := raw.(map[string]any)
	if !ok {
		if raw == nil {
			*enabled = true
			return nil
		}
		return fmt.Errorf("expected a mapping, got %T", raw)
	}
	if _, set := m["enabled"]; !set {
		*enabled = true
	}
	return decodeSection(m, section)
}

func decodeSection(raw, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       decodeHook(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
