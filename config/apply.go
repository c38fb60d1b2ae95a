package config

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nexora/kit/resilience"
)

// Report summarizes one Apply.
type Report struct {
	// Defaults lists the policy kinds applied to operations without their
	// own configuration.
	Defaults []resilience.PolicyKind

	// Bound lists the operations bound from explicit configuration.
	Bound []string

	// Removed lists operations that lost their explicit configuration and
	// now fall back to the defaults.
	Removed []string
}

// Applier applies successive configurations to a registry. It remembers
// which operations it bound so a later configuration that drops an
// operation unbinds it.
//
// Unchanged policies keep their live instances, so applying the same
// configuration twice is a no-op.
type Applier struct {
	reg     *resilience.Registry
	catalog ErrorCatalog

	mu      sync.Mutex
	managed map[string]struct{}
}

// NewApplier creates an Applier for reg. catalog resolves retry-exceptions.
func NewApplier(reg *resilience.Registry, catalog ErrorCatalog) *Applier {
	return &Applier{
		reg:     reg,
		catalog: catalog,
		managed: make(map[string]struct{}),
	}
}

// Apply makes cfg the registry's configuration. Every policy is built before
// the registry is touched, so an invalid configuration changes nothing.
func (a *Applier) Apply(cfg *Config) (Report, error) {
	res := &cfg.Resilience

	defaults, err := res.DefaultPolicies(a.catalog)
	if err != nil {
		return Report{}, err
	}

	ops := res.ExplicitOperations()
	bindings := make(map[string][]resilience.PolicyConfig, len(ops))
	for _, op := range ops {
		cfgs, err := res.OperationPolicies(op, a.catalog)
		if err != nil {
			return Report{}, err
		}
		bindings[op] = cfgs
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.reg.SetDefaults(defaults...); err != nil {
		return Report{}, fmt.Errorf("config: apply defaults: %w", err)
	}

	report := Report{Defaults: kinds(defaults)}
	for _, op := range ops {
		if _, err := a.reg.Bind(op, bindings[op]...); err != nil {
			return report, fmt.Errorf("config: bind %q: %w", op, err)
		}
		report.Bound = append(report.Bound, op)
	}

	for _, op := range slices.Sorted(maps.Keys(a.managed)) {
		if _, ok := bindings[op]; ok {
			continue
		}
		a.reg.Unregister(op)
		report.Removed = append(report.Removed, op)
	}

	a.managed = make(map[string]struct{}, len(ops))
	for _, op := range ops {
		a.managed[op] = struct{}{}
	}
	return report, nil
}

// Apply applies cfg to reg once. Use an Applier to apply reloads.
func Apply(reg *resilience.Registry, cfg *Config, catalog ErrorCatalog) (Report, error) {
	return NewApplier(reg, catalog).Apply(cfg)
}

func kinds(cfgs []resilience.PolicyConfig) []resilience.PolicyKind {
	out := make([]resilience.PolicyKind, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, c.Kind())
	}
	return out
}
