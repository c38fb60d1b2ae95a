package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is blocking all requests.
	StateOpen
	// StateHalfOpen means the circuit is testing if the service recovered.
	StateHalfOpen
	// StateForcedOpen is a manual override that rejects every call.
	StateForcedOpen
	// StateForcedClosed is a manual override that admits every call.
	StateForcedClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	case StateForcedOpen:
		return "forced-open"
	case StateForcedClosed:
		return "forced-closed"
	default:
		return "unknown"
	}
}

// Forced reports whether s is a manual override.
func (s State) Forced() bool {
	return s == StateForcedOpen || s == StateForcedClosed
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// Version labels the configuration for display. It does not affect behavior.
	Version string

	// FailureRateThreshold is the failure percentage that opens the circuit.
	// Default: 50
	FailureRateThreshold float64

	// SlowCallRateThreshold is the slow-call percentage that opens the circuit.
	// Default: 100
	SlowCallRateThreshold float64

	// SlowCallDurationThreshold marks calls at least this long as slow.
	// Default: 60 seconds
	SlowCallDurationThreshold time.Duration

	// SlidingWindowType selects count- or time-based aggregation.
	// Default: WindowCount
	SlidingWindowType WindowType

	// SlidingWindowSize is the number of calls (count) or seconds (time).
	// Default: 10
	SlidingWindowSize int

	// MinimumNumberOfCalls is required before rates are evaluated. For a
	// count window it is capped at SlidingWindowSize.
	// Default: 5
	MinimumNumberOfCalls int

	// WaitDurationInOpenState is how long the circuit stays open.
	// Default: 10 seconds
	WaitDurationInOpenState time.Duration

	// PermittedCallsInHalfOpenState is the number of trial calls.
	// Default: 3
	PermittedCallsInHalfOpenState int

	// OnStateChange is called after the circuit state changes.
	OnStateChange func(from, to State)

	// IsFailure determines if an error should count as a failure.
	// Default: all non-nil errors are failures.
	IsFailure func(err error) bool
}

// Kind implements PolicyConfig.
func (CircuitBreakerConfig) Kind() PolicyKind { return KindCircuitBreaker }

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureRateThreshold <= 0 || c.FailureRateThreshold > 100 {
		c.FailureRateThreshold = 50
	}
	if c.SlowCallRateThreshold <= 0 || c.SlowCallRateThreshold > 100 {
		c.SlowCallRateThreshold = 100
	}
	if c.SlowCallDurationThreshold <= 0 {
		c.SlowCallDurationThreshold = 60 * time.Second
	}
	if c.SlidingWindowType != WindowTime {
		c.SlidingWindowType = WindowCount
	}
	if c.SlidingWindowSize <= 0 {
		c.SlidingWindowSize = 10
	}
	if c.MinimumNumberOfCalls <= 0 {
		c.MinimumNumberOfCalls = 5
	}
	if c.WaitDurationInOpenState <= 0 {
		c.WaitDurationInOpenState = 10 * time.Second
	}
	if c.PermittedCallsInHalfOpenState <= 0 {
		c.PermittedCallsInHalfOpenState = 3
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// CircuitBreaker implements a failure-rate circuit breaker over a sliding
// window of outcomes.
type CircuitBreaker struct {
	config   CircuitBreakerConfig
	minCalls int
	events   *emitter
	now      func() time.Time

	mu       sync.Mutex
	state    State
	epoch    uint64
	window   slidingWindow
	openedAt time.Time
	changed  time.Time

	halfOpen         *countWindow
	halfOpenAdmitted int
	halfOpenDone     int

	notPermitted int64
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return newCircuitBreaker(config, nil)
}

func newCircuitBreaker(config CircuitBreakerConfig, em *emitter) *CircuitBreaker {
	config = config.withDefaults()

	minCalls := config.MinimumNumberOfCalls
	if config.SlidingWindowType == WindowCount && minCalls > config.SlidingWindowSize {
		minCalls = config.SlidingWindowSize
	}

	cb := &CircuitBreaker{
		config:   config,
		minCalls: minCalls,
		events:   em,
		now:      time.Now,
		state:    StateClosed,
		window:   newSlidingWindow(config.SlidingWindowType, config.SlidingWindowSize),
		halfOpen: newCountWindow(config.PermittedCallsInHalfOpenState),
	}
	cb.changed = cb.now()
	return cb
}

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	epoch, err := cb.acquire()
	if err != nil {
		return err
	}

	start := cb.now()
	err = op(ctx)
	cb.record(epoch, err, cb.now().Sub(start))
	return err
}

// State returns the current circuit state. An open circuit whose wait has
// elapsed reports half-open; the transition itself happens on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.observedStateLocked()
	return state
}

// Reset returns the circuit breaker to closed with an empty window. It also
// clears any manual override.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	pending := cb.transitionLocked(StateClosed, nil)
	cb.mu.Unlock()

	cb.publish(pending)
}

// ForceOpen rejects every call until ClearOverride is called.
func (cb *CircuitBreaker) ForceOpen() {
	cb.override(StateForcedOpen)
}

// ForceClosed admits every call, without recording outcomes, until
// ClearOverride is called.
func (cb *CircuitBreaker) ForceClosed() {
	cb.override(StateForcedClosed)
}

// ClearOverride lifts a manual override and resumes automatic operation
// from closed with an empty window. It is a no-op when no override is set.
func (cb *CircuitBreaker) ClearOverride() {
	cb.mu.Lock()
	var pending []Event
	if cb.state.Forced() {
		pending = cb.transitionLocked(StateClosed, nil)
		pending = append(pending, Event{Policy: KindCircuitBreaker, Type: EventOverride, To: StateClosed})
	}
	cb.mu.Unlock()

	cb.publish(pending)
}

func (cb *CircuitBreaker) override(to State) {
	cb.mu.Lock()
	var pending []Event
	if cb.state != to {
		pending = cb.transitionLocked(to, nil)
		pending = append(pending, Event{Policy: KindCircuitBreaker, Type: EventOverride, To: to})
	}
	cb.mu.Unlock()

	cb.publish(pending)
}

// acquire admits or rejects a call. The returned epoch ties the eventual
// outcome to the state the call was admitted under.
func (cb *CircuitBreaker) acquire() (uint64, error) {
	cb.mu.Lock()
	state, pending := cb.currentStateLocked()

	var err error
	switch state {
	case StateOpen, StateForcedOpen:
		err = ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenAdmitted >= cb.config.PermittedCallsInHalfOpenState {
			err = ErrCircuitOpen
		} else {
			cb.halfOpenAdmitted++
		}
	}
	if err != nil {
		cb.notPermitted++
		pending = append(pending, Event{Policy: KindCircuitBreaker, Type: EventNotPermitted, Err: err})
	}
	epoch := cb.epoch
	cb.mu.Unlock()

	cb.publish(pending)
	if err != nil {
		return 0, &PolicyError{Operation: cb.operation(), Policy: KindCircuitBreaker, Err: err}
	}
	return epoch, nil
}

// record accounts for the outcome of a call admitted at epoch.
func (cb *CircuitBreaker) record(epoch uint64, err error, duration time.Duration) {
	ignored := errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
	failed := !ignored && cb.config.IsFailure(err)
	slow := duration >= cb.config.SlowCallDurationThreshold

	cb.mu.Lock()
	var pending []Event
	if epoch == cb.epoch {
		switch {
		case ignored:
			if cb.state == StateHalfOpen && cb.halfOpenAdmitted > 0 {
				cb.halfOpenAdmitted--
			}
		case cb.state == StateClosed:
			pending = cb.recordClosedLocked(failed, slow)
		case cb.state == StateHalfOpen:
			pending = cb.recordHalfOpenLocked(failed, slow)
		}
	}
	cb.mu.Unlock()

	if !ignored {
		typ := EventSuccess
		if failed {
			typ = EventError
		}
		pending = append([]Event{{Policy: KindCircuitBreaker, Type: typ, Delay: duration, Err: err}}, pending...)
	}
	cb.publish(pending)
}

func (cb *CircuitBreaker) recordClosedLocked(failed, slow bool) []Event {
	now := cb.now()
	snap := cb.window.record(failed, slow, now)
	if snap.Calls < cb.minCalls {
		return nil
	}

	if rate := snap.FailureRate(); rate >= cb.config.FailureRateThreshold {
		pending := []Event{{Policy: KindCircuitBreaker, Type: EventFailureRateExceeded, Rate: rate}}
		return cb.transitionLocked(StateOpen, pending)
	}
	if rate := snap.SlowRate(); rate >= cb.config.SlowCallRateThreshold {
		pending := []Event{{Policy: KindCircuitBreaker, Type: EventSlowCallRateExceeded, Rate: rate}}
		return cb.transitionLocked(StateOpen, pending)
	}
	return nil
}

func (cb *CircuitBreaker) recordHalfOpenLocked(failed, slow bool) []Event {
	snap := cb.halfOpen.record(failed, slow, time.Time{})
	cb.halfOpenDone++
	if cb.halfOpenDone < cb.config.PermittedCallsInHalfOpenState {
		return nil
	}

	if rate := snap.FailureRate(); rate >= cb.config.FailureRateThreshold {
		pending := []Event{{Policy: KindCircuitBreaker, Type: EventFailureRateExceeded, Rate: rate}}
		return cb.transitionLocked(StateOpen, pending)
	}
	if rate := snap.SlowRate(); rate >= cb.config.SlowCallRateThreshold {
		pending := []Event{{Policy: KindCircuitBreaker, Type: EventSlowCallRateExceeded, Rate: rate}}
		return cb.transitionLocked(StateOpen, pending)
	}
	return cb.transitionLocked(StateClosed, nil)
}

func (cb *CircuitBreaker) currentStateLocked() (State, []Event) {
	if state, due := cb.observedStateLocked(); due {
		return state, cb.transitionLocked(StateHalfOpen, nil)
	}
	return cb.state, nil
}

// observedStateLocked reports the state without changing it. due is set when
// an open circuit has waited long enough to move to half-open.
func (cb *CircuitBreaker) observedStateLocked() (state State, due bool) {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.WaitDurationInOpenState {
		return StateHalfOpen, true
	}
	return cb.state, false
}

// transitionLocked moves to state "to". Every transition starts a new epoch
// so that outcomes of calls admitted earlier no longer drive transitions.
func (cb *CircuitBreaker) transitionLocked(to State, pending []Event) []Event {
	from := cb.state
	now := cb.now()

	cb.state = to
	cb.epoch++
	cb.changed = now
	cb.window.reset()
	cb.halfOpen.reset()
	cb.halfOpenAdmitted = 0
	cb.halfOpenDone = 0
	if to == StateOpen {
		cb.openedAt = now
	}

	if from == to {
		return pending
	}
	return append(pending, Event{Policy: KindCircuitBreaker, Type: EventStateTransition, From: from, To: to})
}

// publish delivers events and state-change callbacks outside the lock.
func (cb *CircuitBreaker) publish(pending []Event) {
	for _, e := range pending {
		cb.events.emit(e)
		if e.Type == EventStateTransition && cb.config.OnStateChange != nil {
			cb.config.OnStateChange(e.From, e.To)
		}
	}
}

func (cb *CircuitBreaker) operation() string {
	if cb.events == nil {
		return ""
	}
	return cb.events.operation
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() CircuitBreakerConfig {
	return cb.config
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, due := cb.observedStateLocked()

	snap := cb.window.snapshot(cb.now())
	if state == StateHalfOpen {
		snap = cb.halfOpen.snapshot(time.Time{})
	}
	m := CircuitBreakerMetrics{
		State:            state,
		Calls:            snap.Calls,
		Failures:         snap.Failures,
		SlowCalls:        snap.Slow,
		FailureRate:      snap.FailureRate(),
		SlowCallRate:     snap.SlowRate(),
		NotPermitted:     cb.notPermitted,
		HalfOpenAdmitted: cb.halfOpenAdmitted,
		LastTransition:   cb.changed,
	}
	switch {
	case state == StateOpen:
		m.OpenedAt = cb.openedAt
	case due:
		m.LastTransition = cb.openedAt.Add(cb.config.WaitDurationInOpenState)
	}
	return m
}

// CircuitBreakerMetrics contains circuit breaker statistics.
type CircuitBreakerMetrics struct {
	State            State
	Calls            int
	Failures         int
	SlowCalls        int
	FailureRate      float64
	SlowCallRate     float64
	NotPermitted     int64
	HalfOpenAdmitted int
	OpenedAt         time.Time
	LastTransition   time.Time
}
