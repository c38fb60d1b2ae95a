package resilience

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// TimeoutConfig configures the timeout wrapper.
type TimeoutConfig struct {
	// Version labels the configuration for display. It does not affect behavior.
	Version string

	// Duration is the maximum duration for one invocation.
	// Default: 5 seconds
	Duration time.Duration
}

// Kind implements PolicyConfig.
func (TimeoutConfig) Kind() PolicyKind { return KindTimeout }

func (c TimeoutConfig) withDefaults() TimeoutConfig {
	if c.Duration <= 0 {
		c.Duration = 5 * time.Second
	}
	return c
}

// Timeout wraps operations with a timeout.
type Timeout struct {
	config TimeoutConfig
	events *emitter
}

// NewTimeout creates a new timeout wrapper.
func NewTimeout(config TimeoutConfig) *Timeout {
	return newTimeout(config, nil)
}

func newTimeout(config TimeoutConfig, em *emitter) *Timeout {
	return &Timeout{config: config.withDefaults(), events: em}
}

// Execute runs the operation with a timeout.
//
// The operation runs on its own goroutine with a context that is cancelled
// when the timeout expires. An operation that ignores cancellation keeps
// running in the background; its result is discarded.
func (t *Timeout) Execute(ctx context.Context, op func(context.Context) error) error {
	err, timedOut := dispatch(ctx, t.config.Duration, op)
	if !timedOut {
		return err
	}

	t.events.emit(Event{Policy: KindTimeout, Type: EventTimeout, Delay: t.config.Duration, Err: ErrTimeout})
	operation := ""
	if t.events != nil {
		operation = t.events.operation
	}
	return &PolicyError{Operation: operation, Policy: KindTimeout, Err: ErrTimeout}
}

// Config returns the timeout configuration.
func (t *Timeout) Config() TimeoutConfig {
	return t.config
}

// ExecuteWithTimeout is a convenience function to run an operation with timeout.
func ExecuteWithTimeout(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	t := NewTimeout(TimeoutConfig{Duration: timeout})
	return t.Execute(ctx, op)
}

// dispatchResult carries the outcome of a dispatched call back to the caller.
type dispatchResult struct {
	err   error
	panic any
	stack []byte
}

// dispatch runs op on a separate goroutine under a derived deadline. It
// reports timedOut when the deadline fired first; cancellation of the parent
// context surfaces as ErrCancelled instead.
func dispatch(ctx context.Context, d time.Duration, op func(context.Context) error) (err error, timedOut bool) {
	if ctx.Err() != nil {
		return cancelled(ctx), false
	}

	callCtx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- dispatchResult{panic: r, stack: debug.Stack()}
			}
		}()
		done <- dispatchResult{err: op(callCtx)}
	}()

	select {
	case res := <-done:
		if res.panic != nil {
			panic(fmt.Sprintf("resilience: dispatched call panicked: %v\n%s", res.panic, res.stack))
		}
		// A call that observed its own deadline reports it as a timeout.
		if res.err != nil && callCtx.Err() != nil {
			if ctx.Err() != nil {
				return cancelled(ctx), false
			}
			return ErrTimeout, true
		}
		return res.err, false
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return cancelled(ctx), false
		}
		return ErrTimeout, true
	}
}
