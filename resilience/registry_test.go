package resilience

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestRegistry_NotConfigured(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(WithEventSink(sink))

	if _, err := reg.Resolve("unknown"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Resolve() error = %v, want ErrNotConfigured", err)
	}

	called := false
	err := reg.ExecuteProtected(context.Background(), "unknown", func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("ExecuteProtected() error = %v, want ErrNotConfigured", err)
	}
	if called {
		t.Error("unconfigured operation must not run")
	}

	calls := sink.ofType(EventCall)
	if len(calls) != 1 || calls[0].Outcome.Kind != OutcomeRejected || calls[0].Operation != "unknown" {
		t.Errorf("call events = %+v, want one rejected outcome", calls)
	}
}

func TestRegistry_RegisterIdempotent(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(WithEventSink(sink))
	cfg := CircuitBreakerConfig{SlidingWindowSize: 10, MinimumNumberOfCalls: 10}

	first, err := reg.Register("orders.list", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for range 3 {
		_ = reg.ExecuteProtected(context.Background(), "orders.list", fail)
	}

	again, err := reg.Register("orders.list", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if again != first {
		t.Error("identical re-registration returned a new instance")
	}
	cb, _ := reg.CircuitBreaker("orders.list")
	if m := cb.Metrics(); m.Calls != 3 {
		t.Errorf("window after identical re-registration = %d calls, want 3", m.Calls)
	}
	if got := len(sink.ofType(EventRegistered)); got != 1 {
		t.Errorf("registered events = %d, want 1", got)
	}

	cfg.FailureRateThreshold = 75
	changed, err := reg.Register("orders.list", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if changed == first {
		t.Fatal("changed configuration kept the old instance")
	}
	cb, _ = reg.CircuitBreaker("orders.list")
	if m := cb.Metrics(); m.Calls != 0 {
		t.Errorf("window after changed registration = %d calls, want 0", m.Calls)
	}
	if got := len(sink.ofType(EventReplaced)); got != 1 {
		t.Errorf("replaced events = %d, want 1", got)
	}
}

func TestRegistry_FunctionFieldsCompareByIdentity(t *testing.T) {
	reg := NewRegistry()
	isFailure := func(err error) bool { return err != nil }

	first, _ := reg.Register("op", CircuitBreakerConfig{IsFailure: isFailure})
	same, _ := reg.Register("op", CircuitBreakerConfig{IsFailure: isFailure})
	if same != first {
		t.Error("same function value should count as an identical configuration")
	}

	errA := errors.New("a")
	r1, _ := reg.Register("op", RetryConfig{RetryOn: []error{errA}})
	r2, _ := reg.Register("op", RetryConfig{RetryOn: []error{errA}})
	if r1 != r2 {
		t.Error("identical RetryOn lists should count as an identical configuration")
	}
	r3, _ := reg.Register("op", RetryConfig{RetryOn: []error{errors.New("a")}})
	if r3 == r2 {
		t.Error("a different error value should count as a changed configuration")
	}
}

func TestRegistry_InFlightCallsFinishOnOldInstance(t *testing.T) {
	reg := NewRegistry()
	_, _ = reg.Register("reports.build", BulkheadConfig{MaxConcurrentCalls: 1})

	oldChain, _ := reg.Resolve("reports.build")
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- reg.ExecuteProtected(context.Background(), "reports.build", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	_, _ = reg.Register("reports.build", BulkheadConfig{MaxConcurrentCalls: 2})
	newChain, _ := reg.Resolve("reports.build")
	if newChain == oldChain {
		t.Fatal("chain was not swapped")
	}

	// The in-flight call still holds the old bulkhead's only slot
	if m := oldChain.Bulkhead().Metrics(); m.Active != 1 {
		t.Errorf("old bulkhead active = %d, want 1", m.Active)
	}
	if m := newChain.Bulkhead().Metrics(); m.Active != 0 {
		t.Errorf("new bulkhead active = %d, want 0", m.Active)
	}
	if err := reg.ExecuteProtected(context.Background(), "reports.build", succeed); err != nil {
		t.Errorf("call on new chain error = %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Errorf("in-flight call error = %v", err)
	}
	if m := oldChain.Bulkhead().Metrics(); m.Active != 0 {
		t.Errorf("old bulkhead active after completion = %d, want 0", m.Active)
	}
}

func TestRegistry_Defaults(t *testing.T) {
	sink := &recordingSink{}
	reg := NewRegistry(
		WithEventSink(sink),
		WithDefaults(
			CircuitBreakerConfig{SlidingWindowSize: 1, WaitDurationInOpenState: time.Hour},
			TimeoutConfig{Duration: time.Second},
		),
	)

	a, err := reg.Resolve("a")
	if err != nil {
		t.Fatalf("Resolve() with defaults error = %v", err)
	}
	b, _ := reg.Resolve("b")
	if a.CircuitBreaker() == b.CircuitBreaker() {
		t.Fatal("operations share a default breaker instance")
	}

	_ = reg.ExecuteProtected(context.Background(), "a", fail)
	if a.CircuitBreaker().State() != StateOpen {
		t.Errorf("breaker a = %v, want open", a.CircuitBreaker().State())
	}
	if b.CircuitBreaker().State() != StateClosed {
		t.Errorf("breaker b = %v, want closed; operations must not share state", b.CircuitBreaker().State())
	}

	again, _ := reg.Resolve("a")
	if again != a {
		t.Error("lazily created chain was not cached")
	}
	for _, inst := range a.Instances() {
		if !inst.Default {
			t.Errorf("instance %s not marked as default", inst.Kind)
		}
	}
}

func TestRegistry_SetDefaults(t *testing.T) {
	reg := NewRegistry(WithDefaults(CircuitBreakerConfig{}, TimeoutConfig{Duration: time.Second}))
	before, _ := reg.Resolve("op")
	cb := before.CircuitBreaker()

	if err := reg.SetDefaults(CircuitBreakerConfig{}, RetryConfig{MaxAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	after, _ := reg.Resolve("op")
	if got, want := after.Policies(), []PolicyKind{KindCircuitBreaker, KindRetry}; !slices.Equal(got, want) {
		t.Errorf("Policies() = %v, want %v", got, want)
	}
	if after.CircuitBreaker() != cb {
		t.Error("unchanged default breaker lost its state")
	}

	if err := reg.SetDefaults(); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve("op"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Resolve() after clearing defaults = %v, want ErrNotConfigured", err)
	}
}

func TestRegistry_RegisterReplacesDefaultChain(t *testing.T) {
	defaults := WithDefaults(CircuitBreakerConfig{}, RetryConfig{MaxAttempts: 2})
	want := []PolicyKind{KindBulkhead}

	resolvedFirst := NewRegistry(defaults)
	if _, err := resolvedFirst.Resolve("x"); err != nil {
		t.Fatal(err)
	}
	if _, err := resolvedFirst.Register("x", BulkheadConfig{MaxConcurrentCalls: 1}); err != nil {
		t.Fatal(err)
	}

	registeredOnly := NewRegistry(defaults)
	if _, err := registeredOnly.Register("x", BulkheadConfig{MaxConcurrentCalls: 1}); err != nil {
		t.Fatal(err)
	}

	for name, reg := range map[string]*Registry{"resolve then register": resolvedFirst, "register": registeredOnly} {
		c, err := reg.Resolve("x")
		if err != nil {
			t.Fatalf("%s: Resolve() error = %v", name, err)
		}
		if got := c.Policies(); !slices.Equal(got, want) {
			t.Errorf("%s: Policies() = %v, want %v", name, got, want)
		}
		for _, inst := range c.Instances() {
			if inst.Default {
				t.Errorf("%s: %s still marked as default", name, inst.Kind)
			}
		}
	}

	// The explicit binding is no longer re-derived from the defaults.
	if err := resolvedFirst.SetDefaults(TimeoutConfig{Duration: time.Second}); err != nil {
		t.Fatal(err)
	}
	c, _ := resolvedFirst.Resolve("x")
	if got := c.Policies(); !slices.Equal(got, want) {
		t.Errorf("Policies() after SetDefaults = %v, want %v", got, want)
	}
}

func TestRegistry_BindReplacesDefaultChain(t *testing.T) {
	cb := CircuitBreakerConfig{}
	reg := NewRegistry(WithDefaults(cb, TimeoutConfig{Duration: time.Second}))
	before, _ := reg.Resolve("x")

	if _, err := reg.Bind("x", cb); err != nil {
		t.Fatal(err)
	}
	after, _ := reg.Resolve("x")
	if got := after.Policies(); !slices.Equal(got, []PolicyKind{KindCircuitBreaker}) {
		t.Errorf("Policies() = %v, want [circuit_breaker]", got)
	}
	if after.CircuitBreaker() == before.CircuitBreaker() || after.Instances()[0].Default {
		t.Error("explicit binding kept the default-derived breaker")
	}
}

func TestRegistry_Bind(t *testing.T) {
	reg := NewRegistry()

	insts, err := reg.Bind("sync.push", RetryConfig{}, TimeoutConfig{})
	if err != nil || len(insts) != 2 {
		t.Fatalf("Bind() = %v, %v", insts, err)
	}
	retry := insts[0]

	insts, err = reg.Bind("sync.push", RetryConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if insts[0] != retry {
		t.Error("unchanged retry instance was replaced")
	}
	c, _ := reg.Resolve("sync.push")
	if got := c.Policies(); !slices.Equal(got, []PolicyKind{KindRetry}) {
		t.Errorf("Policies() = %v, want [retry]", got)
	}

	if _, err := reg.Bind("sync.push", RetryConfig{}, RetryConfig{MaxAttempts: 2}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("duplicate kinds error = %v, want ErrInvalidPolicy", err)
	}

	if _, err := reg.Bind("sync.push"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve("sync.push"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Resolve() after empty Bind = %v, want ErrNotConfigured", err)
	}
}

func TestRegistry_InvalidRegistration(t *testing.T) {
	reg := NewRegistry()

	if _, err := reg.Register("", RetryConfig{}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("empty name error = %v, want ErrInvalidPolicy", err)
	}
	if _, err := reg.Register("op", nil); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("nil config error = %v, want ErrInvalidPolicy", err)
	}
	if got := reg.Operations(); len(got) != 0 {
		t.Errorf("Operations() = %v, want none", got)
	}
}

func TestRegistry_Introspection(t *testing.T) {
	reg := NewRegistry()
	_, _ = reg.Register("b.op", TimeoutConfig{Version: "v2"})
	_, _ = reg.Register("a.op", RetryConfig{})
	_, _ = reg.Register("a.op", BulkheadConfig{})

	if got, want := reg.Operations(), []string{"a.op", "b.op"}; !slices.Equal(got, want) {
		t.Errorf("Operations() = %v, want %v", got, want)
	}

	insts := reg.Instances()
	if len(insts) != 3 {
		t.Fatalf("Instances() = %d, want 3", len(insts))
	}
	if insts[0].Kind != KindBulkhead || insts[1].Kind != KindRetry || insts[2].Version() != "v2" {
		t.Errorf("Instances() order = %v %v %v", insts[0].Kind, insts[1].Kind, insts[2].Kind)
	}
	if _, ok := insts[0].Policy().(*Bulkhead); !ok {
		t.Errorf("Policy() = %T, want *Bulkhead", insts[0].Policy())
	}

	if _, ok := reg.CircuitBreaker("a.op"); ok {
		t.Error("CircuitBreaker() found a breaker that was never registered")
	}
	if !reg.Unregister("a.op") || reg.Unregister("a.op") {
		t.Error("Unregister() should report removal exactly once")
	}
	if _, ok := reg.Lookup("a.op"); ok {
		t.Error("Lookup() found an unregistered operation")
	}
}

func TestExecute_Generic(t *testing.T) {
	reg := NewRegistry()
	_, _ = reg.Register("users.count", RetryConfig{MaxAttempts: 2, WaitDuration: time.Millisecond})

	attempts := 0
	n, err := Execute(context.Background(), reg, "users.count", func(context.Context) (int, error) {
		attempts++
		if attempts == 1 {
			return -1, errBoom
		}
		return 42, nil
	})
	if err != nil || n != 42 {
		t.Errorf("Execute() = %d, %v; want 42, nil", n, err)
	}

	s, err := Execute(context.Background(), reg, "users.count", func(context.Context) (string, error) {
		return "partial", errBoom
	})
	if err == nil || s != "" {
		t.Errorf("Execute() = %q, %v; want zero value and error", s, err)
	}
}

func TestRegistry_ConcurrentResolveAndRegister(t *testing.T) {
	reg := NewRegistry(WithDefaults(CircuitBreakerConfig{}))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = reg.ExecuteProtected(context.Background(), "hot", succeed)
		}()
		go func() {
			defer wg.Done()
			_, _ = reg.Register("hot", RetryConfig{MaxAttempts: 1 + i%3})
		}()
	}
	wg.Wait()

	if _, err := reg.Resolve("hot"); err != nil {
		t.Errorf("Resolve() error = %v", err)
	}
}
