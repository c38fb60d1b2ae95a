package observe

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/nexora/kit/resilience"
)

func TestLogSink_Levels(t *testing.T) {
	tests := []struct {
		event resilience.Event
		level string
		msg   string
	}{
		{
			event: resilience.Event{Type: resilience.EventStateTransition, Policy: resilience.KindCircuitBreaker, From: resilience.StateClosed, To: resilience.StateOpen},
			level: "warn", msg: "circuit breaker state changed",
		},
		{
			event: resilience.Event{Type: resilience.EventFailureRateExceeded, Policy: resilience.KindCircuitBreaker, Rate: 60},
			level: "error", msg: "circuit breaker failure rate exceeded",
		},
		{
			event: resilience.Event{Type: resilience.EventRetry, Policy: resilience.KindRetry, Attempt: 1, Delay: time.Second, Err: errBoom},
			level: "warn", msg: "retrying after error",
		},
		{
			event: resilience.Event{Type: resilience.EventRetriesExhausted, Policy: resilience.KindRetry, Attempt: 3},
			level: "error", msg: "retries exhausted",
		},
		{
			event: resilience.Event{Type: resilience.EventBulkheadFull, Policy: resilience.KindBulkhead},
			level: "info", msg: "call rejected",
		},
		{
			event: resilience.Event{Type: resilience.EventSuccess, Policy: resilience.KindCircuitBreaker},
			level: "debug", msg: "resilience event",
		},
	}

	for _, tt := range tests {
		t.Run(string(tt.event.Type), func(t *testing.T) {
			var buf bytes.Buffer
			sink := NewLogSink(NewLoggerWithWriter("debug", &buf))
			tt.event.Operation = "orders.create"
			sink.Emit(tt.event)

			entries := decodeLines(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("got %d lines, want 1", len(entries))
			}
			e := entries[0]
			if e["level"] != tt.level || e["msg"] != tt.msg {
				t.Errorf("entry = %v, want level %s msg %q", e, tt.level, tt.msg)
			}
			if e["operation"] != "orders.create" || e["event"] != string(tt.event.Type) {
				t.Errorf("entry missing operation or event: %v", e)
			}
		})
	}
}

func TestLogSink_TransitionFields(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(NewLoggerWithWriter("info", &buf))
	sink.Emit(resilience.Event{
		Operation: "op",
		Policy:    resilience.KindCircuitBreaker,
		Type:      resilience.EventStateTransition,
		From:      resilience.StateOpen,
		To:        resilience.StateHalfOpen,
	})

	e := decodeLines(t, &buf)[0]
	if e["from"] != "open" || e["to"] != "half-open" {
		t.Errorf("from/to = %v/%v", e["from"], e["to"])
	}
}

func TestLogSink_SkipsCallEvents(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(NewLoggerWithWriter("debug", &buf))
	sink.Emit(resilience.Event{Operation: "op", Type: resilience.EventCall, Outcome: &resilience.CallOutcome{}})
	if buf.Len() != 0 {
		t.Errorf("call event was logged: %s", buf.String())
	}
}

func TestLogSink_WithRegistry(t *testing.T) {
	var buf bytes.Buffer
	reg := resilience.NewRegistry(resilience.WithEventSink(NewLogSink(NewLoggerWithWriter("warn", &buf))))
	_, _ = reg.Register("billing.charge", resilience.CircuitBreakerConfig{
		SlidingWindowSize:       2,
		MinimumNumberOfCalls:    2,
		WaitDurationInOpenState: time.Hour,
	})

	for range 2 {
		_ = reg.ExecuteProtected(context.Background(), "billing.charge", func(context.Context) error { return errBoom })
	}

	var transitions, alarms int
	for _, e := range decodeLines(t, &buf) {
		switch e["event"] {
		case string(resilience.EventStateTransition):
			transitions++
		case string(resilience.EventFailureRateExceeded):
			alarms++
		}
	}
	if transitions != 1 || alarms != 1 {
		t.Errorf("transitions = %d, alarms = %d; want 1 each", transitions, alarms)
	}
}
