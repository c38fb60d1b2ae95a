package resilience

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitAlgorithm selects how permits are replenished.
type RateLimitAlgorithm string

const (
	// AlgorithmFixedWindow refills LimitForPeriod permits at every period
	// boundary.
	AlgorithmFixedWindow RateLimitAlgorithm = "fixed_window"
	// AlgorithmTokenBucket refills continuously at
	// LimitForPeriod/LimitRefreshPeriod with a burst of LimitForPeriod.
	AlgorithmTokenBucket RateLimitAlgorithm = "token_bucket"
)

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Version labels the configuration for display. It does not affect behavior.
	Version string

	// LimitForPeriod is the number of permits available per refresh period.
	// Default: 10
	LimitForPeriod int

	// LimitRefreshPeriod is the length of one period.
	// Default: 1 second
	LimitRefreshPeriod time.Duration

	// TimeoutDuration bounds how long a caller waits for a permit.
	// Default: 0 (fail fast with ErrRateLimited)
	TimeoutDuration time.Duration

	// Algorithm is the replenishment algorithm.
	// Default: AlgorithmFixedWindow
	Algorithm RateLimitAlgorithm
}

// Kind implements PolicyConfig.
func (RateLimiterConfig) Kind() PolicyKind { return KindRateLimiter }

func (c RateLimiterConfig) withDefaults() RateLimiterConfig {
	if c.LimitForPeriod <= 0 {
		c.LimitForPeriod = 10
	}
	if c.LimitRefreshPeriod <= 0 {
		c.LimitRefreshPeriod = time.Second
	}
	if c.TimeoutDuration < 0 {
		c.TimeoutDuration = 0
	}
	if c.Algorithm != AlgorithmTokenBucket {
		c.Algorithm = AlgorithmFixedWindow
	}
	return c
}

// permitSource hands out permits, possibly reserved in the future.
type permitSource interface {
	// reserve takes one permit usable after the returned delay. It fails
	// without side effects when the delay would exceed maxWait.
	reserve(now time.Time, maxWait time.Duration) (delay time.Duration, cancel func(), ok bool)
	available(now time.Time) int
	reset(now time.Time)
}

// RateLimiter limits how many calls start per period.
type RateLimiter struct {
	config  RateLimiterConfig
	events  *emitter
	now     func() time.Time
	permits permitSource

	waiting  atomic.Int64
	rejected atomic.Int64
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	return newRateLimiter(config, nil, time.Now)
}

func newRateLimiter(config RateLimiterConfig, em *emitter, now func() time.Time) *RateLimiter {
	config = config.withDefaults()

	rl := &RateLimiter{
		config: config,
		events: em,
		now:    now,
	}
	switch config.Algorithm {
	case AlgorithmTokenBucket:
		every := rate.Limit(float64(config.LimitForPeriod) / config.LimitRefreshPeriod.Seconds())
		rl.permits = newTokenBucket(every, config.LimitForPeriod)
	default:
		rl.permits = newFixedWindow(config.LimitForPeriod, config.LimitRefreshPeriod, now())
	}
	return rl
}

// Allow takes a permit if one is available right now.
func (rl *RateLimiter) Allow() bool {
	_, _, ok := rl.permits.reserve(rl.now(), 0)
	return ok
}

// Acquire obtains a permit, waiting up to TimeoutDuration for one.
//
// With no wait configured an unavailable permit yields ErrRateLimited.
// Otherwise a permit that cannot be obtained within the bound, or before the
// context deadline, yields ErrTimeout without waiting.
func (rl *RateLimiter) Acquire(ctx context.Context) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	now := rl.now()
	delay, cancel, ok := rl.permits.reserve(now, rl.config.TimeoutDuration)
	if !ok {
		return rl.reject()
	}
	if delay <= 0 {
		return nil
	}

	if deadline, has := ctx.Deadline(); has && time.Until(deadline) < delay {
		cancel()
		return rl.reject()
	}

	rl.waiting.Add(1)
	defer rl.waiting.Add(-1)

	if err := sleep(ctx, delay); err != nil {
		cancel()
		return err
	}
	return nil
}

func (rl *RateLimiter) reject() error {
	rl.rejected.Add(1)

	err := ErrRateLimited
	if rl.config.TimeoutDuration > 0 {
		err = ErrTimeout
	}
	rl.events.emit(Event{Policy: KindRateLimiter, Type: EventRateLimited, Err: err})

	op := ""
	if rl.events != nil {
		op = rl.events.operation
	}
	return &PolicyError{Operation: op, Policy: KindRateLimiter, Err: err}
}

// Execute runs the operation once a permit is obtained.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Acquire(ctx); err != nil {
		return err
	}
	return op(ctx)
}

// AvailablePermits returns the permits usable right now. It is negative
// while callers hold reservations on future periods.
func (rl *RateLimiter) AvailablePermits() int {
	return rl.permits.available(rl.now())
}

// Reset restores the full permit budget.
func (rl *RateLimiter) Reset() {
	rl.permits.reset(rl.now())
}

// Config returns the effective configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.config
}

// Metrics returns current rate limiter metrics.
func (rl *RateLimiter) Metrics() RateLimiterMetrics {
	return RateLimiterMetrics{
		AvailablePermits: rl.AvailablePermits(),
		WaitingCalls:     int(rl.waiting.Load()),
		Rejected:         rl.rejected.Load(),
	}
}

// RateLimiterMetrics contains rate limiter statistics.
type RateLimiterMetrics struct {
	AvailablePermits int
	WaitingCalls     int
	Rejected         int64
}

// fixedWindow divides time into periods measured from origin. Permits may go
// negative when callers reserve permits of future periods.
type fixedWindow struct {
	limit  int
	period time.Duration
	origin time.Time

	mu      sync.Mutex
	cycle   int64
	permits int
}

func newFixedWindow(limit int, period time.Duration, origin time.Time) *fixedWindow {
	return &fixedWindow{limit: limit, period: period, origin: origin, permits: limit}
}

func (w *fixedWindow) refreshLocked(now time.Time) {
	cycle := int64(now.Sub(w.origin) / w.period)
	if cycle <= w.cycle {
		return
	}
	permits := int64(w.permits) + (cycle-w.cycle)*int64(w.limit)
	w.permits = int(min(permits, int64(w.limit)))
	w.cycle = cycle
}

func (w *fixedWindow) reserve(now time.Time, maxWait time.Duration) (time.Duration, func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.refreshLocked(now)
	if w.permits > 0 {
		w.permits--
		return 0, func() {}, true
	}

	next := w.origin.Add(time.Duration(w.cycle+1) * w.period)
	deficit := 1 - w.permits
	cycles := (deficit + w.limit - 1) / w.limit
	delay := next.Sub(now) + time.Duration(cycles-1)*w.period
	if delay > maxWait {
		return delay, nil, false
	}

	w.permits--
	return delay, w.release, true
}

func (w *fixedWindow) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.permits < w.limit {
		w.permits++
	}
}

func (w *fixedWindow) available(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshLocked(now)
	return w.permits
}

func (w *fixedWindow) reset(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refreshLocked(now)
	w.permits = w.limit
}

type tokenBucket struct {
	limiter atomic.Pointer[rate.Limiter]
	every   rate.Limit
	burst   int
}

func newTokenBucket(every rate.Limit, burst int) *tokenBucket {
	b := &tokenBucket{every: every, burst: burst}
	b.limiter.Store(rate.NewLimiter(every, burst))
	return b
}

func (b *tokenBucket) reserve(now time.Time, maxWait time.Duration) (time.Duration, func(), bool) {
	r := b.limiter.Load().ReserveN(now, 1)
	if !r.OK() {
		return 0, nil, false
	}
	delay := r.DelayFrom(now)
	if delay > maxWait {
		r.CancelAt(now)
		return delay, nil, false
	}
	return delay, r.Cancel, true
}

func (b *tokenBucket) available(now time.Time) int {
	return int(b.limiter.Load().TokensAt(now))
}

// reset swaps in a full bucket; outstanding reservations stay with the old one.
func (b *tokenBucket) reset(time.Time) {
	b.limiter.Store(rate.NewLimiter(b.every, b.burst))
}
