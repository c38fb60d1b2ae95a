package resilience

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// BulkheadConfig configures the bulkhead.
type BulkheadConfig struct {
	// Version labels the configuration for display. It does not affect behavior.
	Version string

	// MaxConcurrentCalls is the maximum number of concurrent operations.
	// Default: 25
	MaxConcurrentCalls int

	// MaxWaitDuration is the maximum time to wait for a slot.
	// Default: 0 (no waiting, fail immediately)
	MaxWaitDuration time.Duration

	// MaxQueueDepth caps how many callers may wait for a slot at once.
	// Default: 0 (unbounded while MaxWaitDuration > 0)
	MaxQueueDepth int
}

// Kind implements PolicyConfig.
func (BulkheadConfig) Kind() PolicyKind { return KindBulkhead }

func (c BulkheadConfig) withDefaults() BulkheadConfig {
	if c.MaxConcurrentCalls <= 0 {
		c.MaxConcurrentCalls = 25
	}
	if c.MaxWaitDuration < 0 {
		c.MaxWaitDuration = 0
	}
	if c.MaxQueueDepth < 0 {
		c.MaxQueueDepth = 0
	}
	return c
}

// Bulkhead limits concurrent operations.
type Bulkhead struct {
	config BulkheadConfig
	events *emitter
	sem    *semaphore.Weighted

	active    atomic.Int64
	maxActive atomic.Int64
	queued    atomic.Int64
	rejected  atomic.Int64
}

// NewBulkhead creates a new bulkhead.
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	return newBulkhead(config, nil)
}

func newBulkhead(config BulkheadConfig, em *emitter) *Bulkhead {
	config = config.withDefaults()
	return &Bulkhead{
		config: config,
		events: em,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentCalls)),
	}
}

// Acquire acquires a slot in the bulkhead.
//
// Returns ErrBulkheadFull if no slot is available within MaxWaitDuration or
// the wait queue is full, and ErrCancelled if ctx ends while waiting.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	// Fast path: try non-blocking acquire
	if b.sem.TryAcquire(1) {
		b.enter()
		return nil
	}

	if b.config.MaxWaitDuration <= 0 {
		return b.reject()
	}

	if depth := b.queued.Add(1); b.config.MaxQueueDepth > 0 && depth > int64(b.config.MaxQueueDepth) {
		b.queued.Add(-1)
		return b.reject()
	}
	defer b.queued.Add(-1)

	waitCtx, cancel := context.WithTimeout(ctx, b.config.MaxWaitDuration)
	defer cancel()

	if err := b.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		return b.reject()
	}
	b.enter()
	return nil
}

func (b *Bulkhead) enter() {
	active := b.active.Add(1)
	for {
		peak := b.maxActive.Load()
		if active <= peak || b.maxActive.CompareAndSwap(peak, active) {
			return
		}
	}
}

func (b *Bulkhead) reject() error {
	b.rejected.Add(1)
	b.events.emit(Event{Policy: KindBulkhead, Type: EventBulkheadFull, Err: ErrBulkheadFull})

	op := ""
	if b.events != nil {
		op = b.events.operation
	}
	return &PolicyError{Operation: op, Policy: KindBulkhead, Err: ErrBulkheadFull}
}

// Release releases a slot in the bulkhead.
func (b *Bulkhead) Release() {
	b.active.Add(-1)
	b.sem.Release(1)
}

// Execute runs the operation within the bulkhead.
func (b *Bulkhead) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return op(ctx)
}

// Config returns the effective configuration.
func (b *Bulkhead) Config() BulkheadConfig {
	return b.config
}

// Metrics returns current bulkhead metrics.
func (b *Bulkhead) Metrics() BulkheadMetrics {
	active := int(b.active.Load())
	return BulkheadMetrics{
		Active:        active,
		MaxActive:     int(b.maxActive.Load()),
		Available:     b.config.MaxConcurrentCalls - active,
		Queued:        int(b.queued.Load()),
		MaxConcurrent: b.config.MaxConcurrentCalls,
		Rejected:      b.rejected.Load(),
	}
}

// BulkheadMetrics contains bulkhead statistics.
type BulkheadMetrics struct {
	Active        int
	MaxActive     int
	Available     int
	Queued        int
	MaxConcurrent int
	Rejected      int64
}
