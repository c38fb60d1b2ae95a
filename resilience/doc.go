// Package resilience provides resilience policies and their composition for
// named operations.
//
// Policies are bound to operation names in a Registry and composed into an
// immutable chain per operation. Callers wrap work explicitly with
// ExecuteProtected; there is no implicit interception.
//
// # Patterns
//
//   - Circuit Breaker: tracks failure and slow-call rates over a count- or
//     time-based sliding window and rejects calls while open. Manual
//     force-open and force-closed overrides take precedence until cleared.
//
//   - Retry: re-invokes failed calls with constant, linear or exponential
//     backoff and optional jitter. Policy rejections are never retried.
//
//   - Rate Limiter: fixed-window or token-bucket permits with an optional
//     bounded wait.
//
//   - Bulkhead: bounded concurrency with an optional bounded wait queue.
//
//   - Timeout: runs each invocation on its own goroutine under a deadline and
//     discards results that arrive late.
//
// # Composition
//
// Whatever the registration order, a chain applies
//
//	Bulkhead → RateLimiter → CircuitBreaker → Retry → Timeout → call
//
// so admission control rejects before breaker or retry credit is consumed and
// every retry attempt gets a fresh timeout.
//
// # Usage
//
//	reg := resilience.NewRegistry(
//	    resilience.WithEventSink(sink),
//	    resilience.WithDefaults(resilience.TimeoutConfig{Duration: 5 * time.Second}),
//	)
//
//	_, _ = reg.Register("payments.charge", resilience.CircuitBreakerConfig{
//	    FailureRateThreshold:    50,
//	    SlidingWindowSize:       20,
//	    WaitDurationInOpenState: 30 * time.Second,
//	})
//	_, _ = reg.Register("payments.charge", resilience.RetryConfig{MaxAttempts: 3})
//
//	err := reg.ExecuteProtected(ctx, "payments.charge", func(ctx context.Context) error {
//	    return charge(ctx)
//	})
//	switch resilience.Classify(err) {
//	case resilience.ClassCircuitOpen, resilience.ClassBulkheadFull:
//	    // fallback
//	}
//
// # Events
//
// Every protected call emits exactly one EventCall carrying its CallOutcome.
// Policies additionally emit transition, retry and rejection events. Events
// are delivered synchronously to the registry's EventSink; ChannelSink
// exposes them as a bounded stream.
package resilience
