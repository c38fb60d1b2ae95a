package admin

import (
	"time"

	"github.com/nexora/kit/resilience"
)

// OperationView describes the chain bound to one operation.
type OperationView struct {
	Operation      string           `json:"operation"`
	Policies       []PolicyView     `json:"policies"`
	CircuitBreaker *BreakerView     `json:"circuit_breaker,omitempty"`
	Bulkhead       *BulkheadView    `json:"bulkhead,omitempty"`
	RateLimiter    *RateLimiterView `json:"rate_limiter,omitempty"`
}

// PolicyView describes one bound policy instance.
type PolicyView struct {
	Kind    resilience.PolicyKind `json:"kind"`
	Version string                `json:"version,omitempty"`
	Default bool                  `json:"default"`
	Created time.Time             `json:"created"`
}

// BreakerView is a circuit breaker snapshot.
type BreakerView struct {
	State          string     `json:"state"`
	Forced         bool       `json:"forced"`
	Calls          int        `json:"calls"`
	Failures       int        `json:"failures"`
	SlowCalls      int        `json:"slow_calls"`
	FailureRate    float64    `json:"failure_rate"`
	SlowCallRate   float64    `json:"slow_call_rate"`
	NotPermitted   int64      `json:"not_permitted"`
	OpenedAt       *time.Time `json:"opened_at,omitempty"`
	LastTransition time.Time  `json:"last_transition"`
}

// BulkheadView is a bulkhead snapshot.
type BulkheadView struct {
	Active        int   `json:"active"`
	Queued        int   `json:"queued"`
	MaxConcurrent int   `json:"max_concurrent"`
	Rejected      int64 `json:"rejected"`
}

// RateLimiterView is a rate limiter snapshot.
type RateLimiterView struct {
	AvailablePermits int   `json:"available_permits"`
	WaitingCalls     int   `json:"waiting_calls"`
	Rejected         int64 `json:"rejected"`
}

func describe(c *resilience.CompositePolicy) OperationView {
	v := OperationView{Operation: c.Operation()}
	for _, inst := range c.Instances() {
		v.Policies = append(v.Policies, PolicyView{
			Kind:    inst.Kind,
			Version: inst.Version(),
			Default: inst.Default,
			Created: inst.Created,
		})
	}
	if cb := c.CircuitBreaker(); cb != nil {
		v.CircuitBreaker = breakerView(cb)
	}
	if b := c.Bulkhead(); b != nil {
		m := b.Metrics()
		v.Bulkhead = &BulkheadView{Active: m.Active, Queued: m.Queued, MaxConcurrent: m.MaxConcurrent, Rejected: m.Rejected}
	}
	if rl := c.RateLimiter(); rl != nil {
		m := rl.Metrics()
		v.RateLimiter = &RateLimiterView{AvailablePermits: m.AvailablePermits, WaitingCalls: m.WaitingCalls, Rejected: m.Rejected}
	}
	return v
}

func breakerView(cb *resilience.CircuitBreaker) *BreakerView {
	m := cb.Metrics()
	v := &BreakerView{
		State:          m.State.String(),
		Forced:         m.State.Forced(),
		Calls:          m.Calls,
		Failures:       m.Failures,
		SlowCalls:      m.SlowCalls,
		FailureRate:    m.FailureRate,
		SlowCallRate:   m.SlowCallRate,
		NotPermitted:   m.NotPermitted,
		LastTransition: m.LastTransition,
	}
	if !m.OpenedAt.IsZero() {
		opened := m.OpenedAt
		v.OpenedAt = &opened
	}
	return v
}
