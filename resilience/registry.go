package resilience

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrInvalidPolicy is returned when a registration is malformed.
var ErrInvalidPolicy = errors.New("resilience: invalid policy")

// PolicyConfig is the configuration of one policy kind. It is implemented by
// CircuitBreakerConfig, RetryConfig, RateLimiterConfig, BulkheadConfig and
// TimeoutConfig.
type PolicyConfig interface {
	Kind() PolicyKind
}

// PolicyInstance is a live policy bound to one operation. Its configuration
// never changes; re-registering a different configuration creates a new
// instance.
type PolicyInstance struct {
	Operation string
	Kind      PolicyKind
	Config    PolicyConfig
	Created   time.Time

	// Default reports whether the instance was derived from registry defaults.
	Default bool

	policy any
}

// Version returns the display version of the bound configuration.
func (p *PolicyInstance) Version() string {
	switch c := p.Config.(type) {
	case CircuitBreakerConfig:
		return c.Version
	case RetryConfig:
		return c.Version
	case RateLimiterConfig:
		return c.Version
	case BulkheadConfig:
		return c.Version
	case TimeoutConfig:
		return c.Version
	default:
		return ""
	}
}

// Policy returns the underlying state machine: *CircuitBreaker, *Retry,
// *RateLimiter, *Bulkhead or *Timeout.
func (p *PolicyInstance) Policy() any {
	return p.policy
}

func newInstance(operation string, cfg PolicyConfig, sink EventSink, defaulted bool) (*PolicyInstance, error) {
	em := newEmitter(operation, sink)
	inst := &PolicyInstance{
		Operation: operation,
		Kind:      cfg.Kind(),
		Config:    cfg,
		Created:   time.Now(),
		Default:   defaulted,
	}

	switch c := cfg.(type) {
	case CircuitBreakerConfig:
		inst.policy = newCircuitBreaker(c, em)
	case RetryConfig:
		inst.policy = newRetry(c, em)
	case RateLimiterConfig:
		inst.policy = newRateLimiter(c, em, time.Now)
	case BulkheadConfig:
		inst.policy = newBulkhead(c, em)
	case TimeoutConfig:
		inst.policy = newTimeout(c, em)
	default:
		return nil, fmt.Errorf("%w: unsupported config type %T", ErrInvalidPolicy, cfg)
	}
	return inst, nil
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEventSink routes every event of the registry's policies to sink.
func WithEventSink(sink EventSink) RegistryOption {
	return func(r *Registry) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithDefaults sets per-kind configurations used for operations that have no
// explicit registration.
func WithDefaults(cfgs ...PolicyConfig) RegistryOption {
	return func(r *Registry) {
		for _, cfg := range cfgs {
			if cfg != nil {
				r.defaults[cfg.Kind()] = cfg
			}
		}
	}
}

// operation holds the instances of one operation and its current chain.
type operation struct {
	instances map[PolicyKind]*PolicyInstance
	composite atomic.Pointer[CompositePolicy]
	defaulted bool
}

// Registry binds policies to operation names and resolves composed chains.
//
// Instances of different operations share no state. Lookups on the call path
// take a read lock and load the chain atomically.
type Registry struct {
	sink EventSink

	mu       sync.RWMutex
	defaults map[PolicyKind]PolicyConfig
	ops      map[string]*operation
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sink:     noopSink{},
		defaults: make(map[PolicyKind]PolicyConfig),
		ops:      make(map[string]*operation),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds cfg to op. Registration is idempotent by (op, kind): an
// identical configuration returns the existing instance with its state
// intact, a changed one replaces the instance and swaps the chain. Calls
// already running finish against the instances they started with.
func (r *Registry) Register(op string, cfg PolicyConfig) (*PolicyInstance, error) {
	if err := validate(op, cfg); err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry, reset := r.explicitLocked(op)
	inst, ev, err := r.bindLocked(op, entry, cfg, false)
	switch {
	case err != nil && len(entry.instances) == 0:
		delete(r.ops, op)
	case ev != nil || reset:
		r.rebuildLocked(op, entry)
	}
	r.mu.Unlock()

	if ev != nil {
		r.sink.Emit(*ev)
	}
	return inst, err
}

// Bind makes cfgs the complete policy set of op. Kinds absent from cfgs are
// removed; unchanged kinds keep their instances.
func (r *Registry) Bind(op string, cfgs ...PolicyConfig) ([]*PolicyInstance, error) {
	seen := make(map[PolicyKind]bool, len(cfgs))
	for _, cfg := range cfgs {
		if err := validate(op, cfg); err != nil {
			return nil, err
		}
		if seen[cfg.Kind()] {
			return nil, fmt.Errorf("%w: duplicate %s for %q", ErrInvalidPolicy, cfg.Kind(), op)
		}
		seen[cfg.Kind()] = true
	}
	if len(cfgs) == 0 {
		r.Unregister(op)
		return nil, nil
	}

	r.mu.Lock()
	entry, _ := r.explicitLocked(op)
	insts, events, err := r.syncLocked(op, entry, cfgs, false)
	r.mu.Unlock()

	for _, ev := range events {
		r.sink.Emit(ev)
	}
	return insts, err
}

// explicitLocked returns the entry for op ready for explicit bindings.
// Instances derived from the defaults are dropped, so an explicitly bound
// operation runs only the policies bound to it. reset reports that drop.
func (r *Registry) explicitLocked(op string) (entry *operation, reset bool) {
	entry = r.ops[op]
	switch {
	case entry == nil:
		entry = &operation{instances: make(map[PolicyKind]*PolicyInstance)}
		r.ops[op] = entry
	case entry.defaulted:
		entry.instances = make(map[PolicyKind]*PolicyInstance)
		entry.defaulted = false
		reset = true
	}
	return entry, reset
}

// SetDefaults replaces the default configurations. Operations that were
// created from the previous defaults are re-derived; unchanged kinds keep
// their state.
func (r *Registry) SetDefaults(cfgs ...PolicyConfig) error {
	defaults := make(map[PolicyKind]PolicyConfig, len(cfgs))
	for _, cfg := range cfgs {
		if err := validate("default", cfg); err != nil {
			return err
		}
		defaults[cfg.Kind()] = cfg
	}

	r.mu.Lock()
	r.defaults = defaults
	var events []Event
	for name, entry := range r.ops {
		if !entry.defaulted {
			continue
		}
		if len(defaults) == 0 {
			delete(r.ops, name)
			continue
		}
		_, evs, err := r.syncLocked(name, entry, r.defaultConfigsLocked(), true)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		events = append(events, evs...)
	}
	r.mu.Unlock()

	for _, ev := range events {
		r.sink.Emit(ev)
	}
	return nil
}

func (r *Registry) syncLocked(op string, entry *operation, cfgs []PolicyConfig, defaulted bool) ([]*PolicyInstance, []Event, error) {
	var (
		insts   []*PolicyInstance
		events  []Event
		changed bool
		want    = make(map[PolicyKind]bool, len(cfgs))
	)
	for _, cfg := range cfgs {
		want[cfg.Kind()] = true
		inst, ev, err := r.bindLocked(op, entry, cfg, defaulted)
		if err != nil {
			return nil, nil, err
		}
		insts = append(insts, inst)
		if ev != nil {
			events = append(events, *ev)
			changed = true
		}
	}
	for kind := range entry.instances {
		if !want[kind] {
			delete(entry.instances, kind)
			changed = true
		}
	}
	if changed || entry.composite.Load() == nil {
		r.rebuildLocked(op, entry)
	}
	return insts, events, nil
}

// bindLocked installs cfg unless an identical configuration is already bound.
// It returns a registration event when the instance changed.
func (r *Registry) bindLocked(op string, entry *operation, cfg PolicyConfig, defaulted bool) (*PolicyInstance, *Event, error) {
	kind := cfg.Kind()
	existing := entry.instances[kind]
	if existing != nil && sameConfig(existing.Config, cfg) {
		return existing, nil, nil
	}

	inst, err := newInstance(op, cfg, r.sink, defaulted)
	if err != nil {
		return nil, nil, err
	}
	entry.instances[kind] = inst

	ev := &Event{Operation: op, Policy: kind, Type: EventRegistered, Timestamp: inst.Created}
	if existing != nil {
		ev.Type = EventReplaced
	}
	return inst, ev, nil
}

func (r *Registry) rebuildLocked(op string, entry *operation) {
	insts := make([]*PolicyInstance, 0, len(entry.instances))
	for _, inst := range entry.instances {
		insts = append(insts, inst)
	}
	entry.composite.Store(newComposite(op, insts, r.sink))
}

func (r *Registry) defaultConfigsLocked() []PolicyConfig {
	cfgs := make([]PolicyConfig, 0, len(r.defaults))
	for _, kind := range compositionOrder {
		if cfg, ok := r.defaults[kind]; ok {
			cfgs = append(cfgs, cfg)
		}
	}
	return cfgs
}

// Resolve returns the chain bound to op. Operations with no registration get
// their own instances built from the defaults; without defaults the result is
// ErrNotConfigured.
func (r *Registry) Resolve(op string) (*CompositePolicy, error) {
	r.mu.RLock()
	entry := r.ops[op]
	r.mu.RUnlock()
	if entry != nil {
		if c := entry.composite.Load(); c != nil {
			return c, nil
		}
	}

	r.mu.Lock()
	if entry = r.ops[op]; entry != nil {
		c := entry.composite.Load()
		r.mu.Unlock()
		return c, nil
	}
	if len(r.defaults) == 0 || op == "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrNotConfigured, op)
	}

	entry = &operation{instances: make(map[PolicyKind]*PolicyInstance), defaulted: true}
	_, events, err := r.syncLocked(op, entry, r.defaultConfigsLocked(), true)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.ops[op] = entry
	c := entry.composite.Load()
	r.mu.Unlock()

	for _, ev := range events {
		r.sink.Emit(ev)
	}
	return c, nil
}

// Unregister removes every policy bound to op. It reports whether op was
// registered.
func (r *Registry) Unregister(op string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ops[op]
	delete(r.ops, op)
	return ok
}

// Operations returns the registered operation names in sorted order.
func (r *Registry) Operations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Instances returns every live instance, ordered by operation and then by
// composition order.
func (r *Registry) Instances() []*PolicyInstance {
	var out []*PolicyInstance
	for _, name := range r.Operations() {
		r.mu.RLock()
		entry := r.ops[name]
		r.mu.RUnlock()
		if entry == nil {
			continue
		}
		if c := entry.composite.Load(); c != nil {
			out = append(out, c.Instances()...)
		}
	}
	return out
}

// Lookup returns the chain bound to op without deriving one from defaults.
func (r *Registry) Lookup(op string) (*CompositePolicy, bool) {
	r.mu.RLock()
	entry := r.ops[op]
	r.mu.RUnlock()
	if entry == nil {
		return nil, false
	}
	c := entry.composite.Load()
	return c, c != nil
}

// CircuitBreaker returns the breaker currently bound to op.
func (r *Registry) CircuitBreaker(op string) (*CircuitBreaker, bool) {
	c, ok := r.Lookup(op)
	if !ok || c.CircuitBreaker() == nil {
		return nil, false
	}
	return c.CircuitBreaker(), true
}

// ExecuteProtected runs fn under the policies bound to op. It is the single
// entry point for protected work. Every call, including one rejected because
// op is not configured, produces exactly one call event.
func (r *Registry) ExecuteProtected(ctx context.Context, op string, fn func(context.Context) error) error {
	c, err := r.Resolve(op)
	if err != nil {
		outcome := CallOutcome{Kind: OutcomeRejected, Err: err}
		r.sink.Emit(Event{
			Operation: op,
			Policy:    KindComposite,
			Type:      EventCall,
			Timestamp: time.Now(),
			Outcome:   &outcome,
			Err:       err,
		})
		return err
	}
	return c.Execute(ctx, fn)
}

// Execute runs fn under the policies bound to op and returns its value. The
// value of an invocation abandoned by a timeout is never returned.
func Execute[T any](ctx context.Context, r *Registry, op string, fn func(context.Context) (T, error)) (T, error) {
	var (
		mu     sync.Mutex
		result T
		closed bool
	)
	err := r.ExecuteProtected(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		if !closed {
			result = v
		}
		mu.Unlock()
		return nil
	})

	mu.Lock()
	closed = true
	out := result
	mu.Unlock()

	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func validate(op string, cfg PolicyConfig) error {
	if op == "" {
		return fmt.Errorf("%w: empty operation name", ErrInvalidPolicy)
	}
	switch cfg.(type) {
	case nil:
		return fmt.Errorf("%w: nil config for %q", ErrInvalidPolicy, op)
	case CircuitBreakerConfig, RetryConfig, RateLimiterConfig, BulkheadConfig, TimeoutConfig:
		return nil
	default:
		return fmt.Errorf("%w: unsupported config type %T", ErrInvalidPolicy, cfg)
	}
}

// sameConfig compares configurations field by field. Function fields are
// equal when they refer to the same function.
func sameConfig(a, b PolicyConfig) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	return sameValue(va, vb)
}

func sameValue(a, b reflect.Value) bool {
	switch a.Kind() {
	case reflect.Func, reflect.Pointer, reflect.Map, reflect.Chan, reflect.UnsafePointer:
		return a.Pointer() == b.Pointer()
	case reflect.Struct:
		for i := range a.NumField() {
			if !sameValue(a.Field(i), b.Field(i)) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if a.Len() != b.Len() {
			return false
		}
		for i := range a.Len() {
			if !sameValue(a.Index(i), b.Index(i)) {
				return false
			}
		}
		return true
	case reflect.Interface:
		if a.IsNil() || b.IsNil() {
			return a.IsNil() == b.IsNil()
		}
		ea, eb := a.Elem(), b.Elem()
		if ea.Type() != eb.Type() {
			return false
		}
		if ea.Kind() == reflect.Pointer {
			return ea.Pointer() == eb.Pointer()
		}
		return sameValue(ea, eb)
	default:
		return a.Equal(b)
	}
}
