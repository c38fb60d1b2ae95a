package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// BackoffStrategy defines how delays increase between retries.
type BackoffStrategy int

const (
	// BackoffConstant uses the same delay for all retries.
	BackoffConstant BackoffStrategy = iota
	// BackoffExponential multiplies the delay by Multiplier each attempt.
	BackoffExponential
	// BackoffLinear increases delay linearly.
	BackoffLinear
)

// String returns the configuration name of the strategy.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffConstant:
		return "constant"
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	default:
		return "unknown"
	}
}

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// Version labels the configuration for display. It does not affect behavior.
	Version string

	// MaxAttempts is the maximum number of attempts (including initial).
	// Default: 3
	MaxAttempts int

	// WaitDuration is the delay before the first retry.
	// Default: 1s
	WaitDuration time.Duration

	// MaxDelay caps the maximum delay between retries.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier for exponential backoff.
	// Default: 2.0
	Multiplier float64

	// Strategy is the backoff strategy.
	// Default: BackoffConstant
	Strategy BackoffStrategy

	// Jitter adds up to 25% randomness to delays.
	Jitter bool

	// RetryOn limits retries to errors matching one of these via errors.Is.
	// Empty means every error is retryable, subject to RetryIf.
	RetryOn []error

	// RetryIf determines if an error should trigger a retry.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Kind implements PolicyConfig.
func (RetryConfig) Kind() PolicyKind { return KindRetry }

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.WaitDuration <= 0 {
		c.WaitDuration = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.RetryIf == nil {
		c.RetryIf = func(err error) bool { return err != nil }
	}
	return c
}

// Retry implements retry with backoff.
type Retry struct {
	config RetryConfig
	events *emitter
}

// NewRetry creates a new retry handler.
func NewRetry(config RetryConfig) *Retry {
	return newRetry(config, nil)
}

func newRetry(config RetryConfig, em *emitter) *Retry {
	return &Retry{config: config.withDefaults(), events: em}
}

// Execute runs the operation with retry logic.
//
// Policy rejections and non-retryable errors are returned unchanged without
// consuming further attempts. When all attempts fail the result is a
// *RetriesExhaustedError wrapping the last error. Cancellation of ctx before
// or between attempts yields ErrCancelled.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				r.events.emit(Event{Policy: KindRetry, Type: EventSuccessAfterRetry, Attempt: attempt})
			}
			return nil
		}

		lastErr = err

		if !r.retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		if attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		r.events.emit(Event{Policy: KindRetry, Type: EventRetry, Attempt: attempt, Delay: delay, Err: err})

		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	r.events.emit(Event{Policy: KindRetry, Type: EventRetriesExhausted, Attempt: r.config.MaxAttempts, Err: lastErr})
	return &RetriesExhaustedError{
		Operation: r.operation(),
		Attempts:  r.config.MaxAttempts,
		Err:       lastErr,
	}
}

func (r *Retry) retryable(err error) bool {
	if IsRejection(err) || errors.Is(err, ErrCancelled) {
		return false
	}
	if len(r.config.RetryOn) > 0 {
		matched := false
		for _, target := range r.config.RetryOn {
			if errors.Is(err, target) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return r.config.RetryIf(err)
}

func (r *Retry) calculateDelay(attempt int) time.Duration {
	var delay time.Duration

	switch r.config.Strategy {
	case BackoffConstant:
		delay = r.config.WaitDuration

	case BackoffLinear:
		delay = r.config.WaitDuration * time.Duration(attempt)

	case BackoffExponential:
		multiplier := math.Pow(r.config.Multiplier, float64(attempt-1))
		delay = time.Duration(float64(r.config.WaitDuration) * multiplier)
	}

	// Cap at max delay
	if delay > r.config.MaxDelay || delay < 0 {
		delay = r.config.MaxDelay
	}

	if r.config.Jitter && delay >= 4 {
		// #nosec G404 -- jitter is non-cryptographic timing variance.
		jitter := time.Duration(rand.Int64N(int64(delay / 4)))
		delay = delay + jitter
	}

	return delay
}

func (r *Retry) operation() string {
	if r.events == nil {
		return ""
	}
	return r.events.operation
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}

// sleep parks the calling goroutine on a timer until d elapses or ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return cancelled(ctx)
	case <-timer.C:
		return nil
	}
}
