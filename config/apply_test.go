package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexora/kit/resilience"
)

func configWithOperations(ops map[string]map[string]any) *Config {
	cfg := Defaults()
	cfg.Resilience.Operations = ops
	return cfg
}

func TestApply_DefaultsAndBindings(t *testing.T) {
	reg := resilience.NewRegistry()
	cfg := configWithOperations(map[string]map[string]any{
		"payments.charge": {"bulkhead": map[string]any{"max-concurrent-calls": 2}},
	})

	report, err := Apply(reg, cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, []resilience.PolicyKind{resilience.KindCircuitBreaker, resilience.KindRetry}, report.Defaults)
	assert.Equal(t, []string{"payments.charge"}, report.Bound)
	assert.Empty(t, report.Removed)

	bound, ok := reg.Lookup("payments.charge")
	require.True(t, ok)
	assert.Equal(t, []resilience.PolicyKind{
		resilience.KindBulkhead,
		resilience.KindCircuitBreaker,
		resilience.KindRetry,
	}, bound.Policies())

	derived, err := reg.Resolve("search.query")
	require.NoError(t, err)
	assert.Equal(t, []resilience.PolicyKind{resilience.KindCircuitBreaker, resilience.KindRetry}, derived.Policies())
}

func TestApplier_ReapplyKeepsInstances(t *testing.T) {
	reg := resilience.NewRegistry()
	a := NewApplier(reg, nil)
	cfg := configWithOperations(map[string]map[string]any{
		"inventory.reserve": {"retry": map[string]any{"max-attempts": 4}},
	})

	_, err := a.Apply(cfg)
	require.NoError(t, err)
	before, ok := reg.CircuitBreaker("inventory.reserve")
	require.True(t, ok)

	_, err = a.Apply(cfg)
	require.NoError(t, err)
	after, ok := reg.CircuitBreaker("inventory.reserve")
	require.True(t, ok)
	assert.Same(t, before, after)
}

func TestApplier_ChangedSectionReplacesOnlyThatPolicy(t *testing.T) {
	reg := resilience.NewRegistry()
	a := NewApplier(reg, nil)

	_, err := a.Apply(configWithOperations(map[string]map[string]any{
		"inventory.reserve": {"retry": map[string]any{"max-attempts": 4}},
	}))
	require.NoError(t, err)
	cbBefore, _ := reg.CircuitBreaker("inventory.reserve")
	chain, _ := reg.Lookup("inventory.reserve")
	retryBefore := chain.Retry()

	_, err = a.Apply(configWithOperations(map[string]map[string]any{
		"inventory.reserve": {"retry": map[string]any{"max-attempts": 6}},
	}))
	require.NoError(t, err)
	cbAfter, _ := reg.CircuitBreaker("inventory.reserve")
	chain, _ = reg.Lookup("inventory.reserve")

	assert.Same(t, cbBefore, cbAfter)
	assert.NotSame(t, retryBefore, chain.Retry())
}

func TestApplier_RemovedOperationFallsBackToDefaults(t *testing.T) {
	reg := resilience.NewRegistry()
	a := NewApplier(reg, nil)

	_, err := a.Apply(configWithOperations(map[string]map[string]any{
		"legacy.sync": {"time-limiter": map[string]any{"timeout-duration": "1s"}},
	}))
	require.NoError(t, err)

	report, err := a.Apply(Defaults())
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy.sync"}, report.Removed)

	_, ok := reg.Lookup("legacy.sync")
	assert.False(t, ok)

	chain, err := reg.Resolve("legacy.sync")
	require.NoError(t, err)
	assert.Equal(t, []resilience.PolicyKind{resilience.KindCircuitBreaker, resilience.KindRetry}, chain.Policies())
}

func TestApply_DisabledLeavesOperationsUnconfigured(t *testing.T) {
	reg := resilience.NewRegistry()
	cfg := Defaults()
	cfg.Resilience.Enabled = false

	report, err := Apply(reg, cfg, nil)
	require.NoError(t, err)
	assert.Empty(t, report.Defaults)

	err = reg.ExecuteProtected(context.Background(), "anything", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, resilience.ErrNotConfigured)
}

func TestApply_InvalidConfigChangesNothing(t *testing.T) {
	reg := resilience.NewRegistry()
	a := NewApplier(reg, nil)
	_, err := a.Apply(configWithOperations(map[string]map[string]any{
		"orders.create": {"bulkhead": map[string]any{"max-concurrent-calls": 1}},
	}))
	require.NoError(t, err)

	bad := configWithOperations(map[string]map[string]any{
		"orders.create": {"bulkhead": map[string]any{"max-concurrent-calls": 0}},
	})
	_, err = a.Apply(bad)
	require.ErrorIs(t, err, ErrInvalidConfig)

	chain, ok := reg.Lookup("orders.create")
	require.True(t, ok)
	require.NotNil(t, chain.Bulkhead())
}

func TestApply_RetryExceptionsFilterRetries(t *testing.T) {
	errTransient := errors.New("transient")
	reg := resilience.NewRegistry()
	cfg := Defaults()
	cfg.Resilience.CircuitBreaker.Enabled = false
	cfg.Resilience.Retry.WaitDuration = time.Millisecond
	cfg.Resilience.Retry.RetryExceptions = []string{"transient"}

	_, err := Apply(reg, cfg, ErrorCatalog{"transient": errTransient})
	require.NoError(t, err)

	calls := 0
	_ = reg.ExecuteProtected(context.Background(), "op", func(context.Context) error {
		calls++
		return errors.New("permanent")
	})
	assert.Equal(t, 1, calls, "errors outside retry-exceptions are not retried")

	calls = 0
	_ = reg.ExecuteProtected(context.Background(), "op", func(context.Context) error {
		calls++
		return errTransient
	})
	assert.Equal(t, 3, calls)
}

func TestApply_UnknownRetryException(t *testing.T) {
	cfg := Defaults()
	cfg.Resilience.Retry.RetryExceptions = []string{"missing"}

	require.NoError(t, cfg.Validate())
	assert.ErrorIs(t, cfg.ValidateCatalog(ErrorCatalog{}), ErrInvalidConfig)

	_, err := Apply(resilience.NewRegistry(), cfg, ErrorCatalog{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
