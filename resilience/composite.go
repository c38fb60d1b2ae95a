package resilience

import (
	"context"
	"errors"
	"time"
)

// decorator wraps next with one policy.
type decorator func(ctx context.Context, next func(context.Context) error) error

// CompositePolicy is the immutable policy chain of one operation.
//
// Policies always apply in the order
// Bulkhead → RateLimiter → CircuitBreaker → Retry → Timeout → call,
// whatever order they were registered in. Admission control rejects before a
// breaker or retry credit is consumed, the breaker short-circuits before any
// retry, and every attempt gets a fresh timeout.
type CompositePolicy struct {
	operation string
	instances []*PolicyInstance
	events    *emitter
	now       func() time.Time

	bulkhead       *Bulkhead
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker
	retry          *Retry
	timeout        *Timeout

	chain func(ctx context.Context, call func(context.Context) error) error
}

func newComposite(operation string, instances []*PolicyInstance, sink EventSink) *CompositePolicy {
	c := &CompositePolicy{
		operation: operation,
		events:    newEmitter(operation, sink),
		now:       time.Now,
	}

	byKind := make(map[PolicyKind]*PolicyInstance, len(instances))
	for _, inst := range instances {
		byKind[inst.Kind] = inst
	}

	var layers []decorator
	for _, kind := range compositionOrder {
		inst, ok := byKind[kind]
		if !ok {
			continue
		}
		c.instances = append(c.instances, inst)

		switch p := inst.policy.(type) {
		case *Bulkhead:
			c.bulkhead = p
			layers = append(layers, p.Execute)
		case *RateLimiter:
			c.rateLimiter = p
			layers = append(layers, p.Execute)
		case *CircuitBreaker:
			c.circuitBreaker = p
			layers = append(layers, p.Execute)
		case *Retry:
			c.retry = p
			layers = append(layers, p.Execute)
		case *Timeout:
			c.timeout = p
			layers = append(layers, p.Execute)
		}
	}

	// Build the execution chain from inside out
	chain := func(ctx context.Context, call func(context.Context) error) error {
		return call(ctx)
	}
	for i := len(layers) - 1; i >= 0; i-- {
		layer, inner := layers[i], chain
		chain = func(ctx context.Context, call func(context.Context) error) error {
			return layer(ctx, func(ctx context.Context) error {
				return inner(ctx, call)
			})
		}
	}
	c.chain = chain

	return c
}

// Execute runs call through the chain and emits exactly one call event
// describing the outcome.
func (c *CompositePolicy) Execute(ctx context.Context, call func(context.Context) error) error {
	start := c.now()
	err := c.chain(ctx, call)
	outcome := c.outcome(err, c.now().Sub(start))
	c.events.emit(Event{Policy: KindComposite, Type: EventCall, Outcome: &outcome, Err: err})
	return err
}

func (c *CompositePolicy) outcome(err error, d time.Duration) CallOutcome {
	o := CallOutcome{Duration: d, Err: err}
	if c.circuitBreaker != nil {
		o.Slow = d >= c.circuitBreaker.config.SlowCallDurationThreshold
	}

	switch {
	case err == nil && o.Slow:
		o.Kind = OutcomeSlow
	case err == nil:
		o.Kind = OutcomeSuccess
	case IsRejection(err) || rateLimitWaitExceeded(err):
		o.Kind = OutcomeRejected
		o.Slow = false
	case errors.Is(err, ErrTimeout):
		o.Kind = OutcomeTimeout
	default:
		o.Kind = OutcomeFailure
	}
	return o
}

// rateLimitWaitExceeded matches the ErrTimeout a rate limiter returns when
// no permit frees up within its wait bound. The call never started, so it
// counts as rejected rather than timed out.
func rateLimitWaitExceeded(err error) bool {
	var pe *PolicyError
	return errors.As(err, &pe) && pe.Policy == KindRateLimiter && errors.Is(pe.Err, ErrTimeout)
}

// Operation returns the operation name the chain protects.
func (c *CompositePolicy) Operation() string {
	return c.operation
}

// Policies returns the kinds in the chain, outermost first.
func (c *CompositePolicy) Policies() []PolicyKind {
	kinds := make([]PolicyKind, 0, len(c.instances))
	for _, inst := range c.instances {
		kinds = append(kinds, inst.Kind)
	}
	return kinds
}

// Instances returns the chain members, outermost first.
func (c *CompositePolicy) Instances() []*PolicyInstance {
	out := make([]*PolicyInstance, len(c.instances))
	copy(out, c.instances)
	return out
}

// CircuitBreaker returns the chain's breaker, or nil.
func (c *CompositePolicy) CircuitBreaker() *CircuitBreaker { return c.circuitBreaker }

// Retry returns the chain's retry policy, or nil.
func (c *CompositePolicy) Retry() *Retry { return c.retry }

// RateLimiter returns the chain's rate limiter, or nil.
func (c *CompositePolicy) RateLimiter() *RateLimiter { return c.rateLimiter }

// Bulkhead returns the chain's bulkhead, or nil.
func (c *CompositePolicy) Bulkhead() *Bulkhead { return c.bulkhead }

// Timeout returns the chain's timeout, or nil.
func (c *CompositePolicy) Timeout() *Timeout { return c.timeout }
