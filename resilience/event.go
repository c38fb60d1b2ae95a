package resilience

import (
	"sync"
	"sync/atomic"
	"time"
)

// PolicyKind identifies a resilience policy type.
type PolicyKind string

const (
	KindCircuitBreaker PolicyKind = "circuit_breaker"
	KindRetry          PolicyKind = "retry"
	KindRateLimiter    PolicyKind = "rate_limiter"
	KindBulkhead       PolicyKind = "bulkhead"
	KindTimeout        PolicyKind = "timeout"

	// KindComposite tags events describing a whole protected call.
	KindComposite PolicyKind = "composite"
)

// compositionOrder is the fixed decorator order, outermost first.
var compositionOrder = []PolicyKind{
	KindBulkhead,
	KindRateLimiter,
	KindCircuitBreaker,
	KindRetry,
	KindTimeout,
}

// PolicyKinds returns every policy kind in composition order.
func PolicyKinds() []PolicyKind {
	kinds := make([]PolicyKind, len(compositionOrder))
	copy(kinds, compositionOrder)
	return kinds
}

// OutcomeKind classifies the result of one protected invocation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	// OutcomeSlow is a successful call that exceeded the slow-call threshold.
	OutcomeSlow
	OutcomeTimeout
	OutcomeRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeSlow:
		return "slow"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// CallOutcome is the immutable result record of one protected invocation.
type CallOutcome struct {
	Kind     OutcomeKind
	Slow     bool
	Duration time.Duration
	Err      error
}

// EventType names an observable resilience event.
type EventType string

const (
	EventCall                 EventType = "call"
	EventSuccess              EventType = "success"
	EventError                EventType = "error"
	EventNotPermitted         EventType = "not_permitted"
	EventStateTransition      EventType = "state_transition"
	EventFailureRateExceeded  EventType = "failure_rate_exceeded"
	EventSlowCallRateExceeded EventType = "slow_call_rate_exceeded"
	EventOverride             EventType = "override"
	EventRetry                EventType = "retry"
	EventRetriesExhausted     EventType = "retries_exhausted"
	EventSuccessAfterRetry    EventType = "success_after_retry"
	EventRateLimited          EventType = "rate_limited"
	EventBulkheadFull         EventType = "bulkhead_full"
	EventTimeout              EventType = "timeout"
	EventRegistered           EventType = "registered"
	EventReplaced             EventType = "replaced"
)

// Event is one record of the outward telemetry stream.
type Event struct {
	Operation string
	Policy    PolicyKind
	Type      EventType
	Timestamp time.Time

	// Outcome is set on EventCall.
	Outcome *CallOutcome

	// From and To are set on EventStateTransition.
	From, To State

	// Attempt is set on retry events.
	Attempt int

	// Rate is set on rate-exceeded events, in percent.
	Rate float64

	Delay time.Duration
	Err   error
}

// EventSink consumes resilience events. Implementations must be safe for
// concurrent use and must return quickly.
type EventSink interface {
	Emit(Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Emit calls f(e).
func (f EventSinkFunc) Emit(e Event) { f(e) }

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

// Emit forwards e to every non-nil sink.
func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

type noopSink struct{}

func (noopSink) Emit(Event) {}

// ChannelSink exposes events as a bounded stream. Events are dropped when
// the buffer is full so that call paths never block on telemetry.
type ChannelSink struct {
	ch      chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewChannelSink creates a stream with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1024
	}
	return &ChannelSink{ch: make(chan Event, buffer)}
}

// Emit enqueues e or drops it if the buffer is full.
func (s *ChannelSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the stream.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the stream. Later events are discarded.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// emitter stamps events with an operation name before handing them to a sink.
type emitter struct {
	operation string
	sink      EventSink
	now       func() time.Time
}

func newEmitter(operation string, sink EventSink) *emitter {
	if sink == nil {
		sink = noopSink{}
	}
	return &emitter{operation: operation, sink: sink, now: time.Now}
}

func (em *emitter) emit(e Event) {
	if em == nil {
		return
	}
	e.Operation = em.operation
	if e.Timestamp.IsZero() {
		e.Timestamp = em.now()
	}
	em.sink.Emit(e)
}
