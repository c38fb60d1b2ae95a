package health

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nexora/kit/resilience"
)

// BreakerSource enumerates circuit breakers. *resilience.Registry satisfies
// it.
type BreakerSource interface {
	Operations() []string
	CircuitBreaker(op string) (*resilience.CircuitBreaker, bool)
}

// BreakerOption configures a BreakerChecker.
type BreakerOption func(*BreakerChecker)

// WithCritical marks operations whose open breaker makes the service
// unhealthy rather than degraded.
func WithCritical(ops ...string) BreakerOption {
	return func(c *BreakerChecker) {
		for _, op := range ops {
			c.critical[op] = struct{}{}
		}
	}
}

// BreakerChecker reports health from circuit breaker states.
//
// Closed and forced-closed breakers are healthy. Half-open breakers degrade.
// Open and forced-open breakers degrade, or make the service unhealthy when
// the operation is critical.
type BreakerChecker struct {
	src BreakerSource

	mu       sync.RWMutex
	critical map[string]struct{}
}

// NewBreakerChecker creates a checker over src.
func NewBreakerChecker(src BreakerSource, opts ...BreakerOption) *BreakerChecker {
	c := &BreakerChecker{src: src, critical: make(map[string]struct{})}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetCritical replaces the critical operation set.
func (c *BreakerChecker) SetCritical(ops []string) {
	critical := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		critical[op] = struct{}{}
	}
	c.mu.Lock()
	c.critical = critical
	c.mu.Unlock()
}

// Name returns "circuit_breakers".
func (c *BreakerChecker) Name() string { return "circuit_breakers" }

// Check inspects every breaker in the source.
func (c *BreakerChecker) Check(ctx context.Context) Result {
	if err := ctx.Err(); err != nil {
		return Unhealthy("context cancelled", err)
	}

	c.mu.RLock()
	critical := c.critical
	c.mu.RUnlock()

	var (
		status  = StatusHealthy
		open    []string
		details = make(map[string]any)
	)
	for _, op := range c.src.Operations() {
		cb, ok := c.src.CircuitBreaker(op)
		if !ok {
			continue
		}
		m := cb.Metrics()
		_, isCritical := critical[op]
		opStatus := breakerStatus(m.State, isCritical)
		status = max(status, opStatus)
		if opStatus != StatusHealthy {
			open = append(open, op+"="+m.State.String())
		}
		details[op] = map[string]any{
			"state":        m.State.String(),
			"failure_rate": m.FailureRate,
			"calls":        m.Calls,
			"critical":     isCritical,
		}
	}

	switch status {
	case StatusUnhealthy:
		return Unhealthy(fmt.Sprintf("critical breakers open: %s", strings.Join(open, ", ")), ErrCircuitOpen).
			WithDetails(details)
	case StatusDegraded:
		return Degraded(fmt.Sprintf("breakers not closed: %s", strings.Join(open, ", "))).WithDetails(details)
	default:
		return Healthy(fmt.Sprintf("%d breakers closed", len(details))).WithDetails(details)
	}
}

func breakerStatus(state resilience.State, critical bool) Status {
	switch state {
	case resilience.StateOpen, resilience.StateForcedOpen:
		if critical {
			return StatusUnhealthy
		}
		return StatusDegraded
	case resilience.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

var _ Checker = (*BreakerChecker)(nil)
