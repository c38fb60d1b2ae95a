package observe

import (
	"context"
	"testing"
	"time"

	"github.com/nexora/kit/resilience"
)

func TestObserverContract_Noops(t *testing.T) {
	cfg := Config{
		ServiceName: "observe-test",
		Tracing:     TracingConfig{Enabled: false, Exporter: "none"},
		Metrics:     MetricsConfig{Enabled: false, Exporter: "none"},
		Logging:     LoggingConfig{Enabled: false, Level: "info"},
	}

	obs, err := NewObserver(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewObserver failed: %v", err)
	}

	if obs.Tracer() == nil {
		t.Fatalf("expected non-nil tracer")
	}
	if obs.Meter() == nil {
		t.Fatalf("expected non-nil meter")
	}
	if obs.Logger() == nil {
		t.Fatalf("expected non-nil logger")
	}
	if err := obs.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown of noop observer: %v", err)
	}
}

func TestLoggerContract_WithOperation(t *testing.T) {
	logger := &noopLogger{}
	if logger.WithOperation(OperationMeta{Name: "noop"}) == nil {
		t.Fatalf("WithOperation should return non-nil logger")
	}
}

func TestMetricsContract_NoPanic(t *testing.T) {
	metrics := &noopMetrics{}
	metrics.RecordCall(context.Background(), OperationMeta{Name: "noop"}, 10*time.Millisecond, nil)
	metrics.Emit(resilience.Event{Type: resilience.EventRetry})
}

func TestTracerContract_NoPanic(t *testing.T) {
	tracer := newNoopTracer()
	ctx := context.Background()
	_, span := tracer.StartSpan(ctx, OperationMeta{Name: "noop"})
	tracer.EndSpan(span, nil)
}

func TestLogSinkContract_NilLogger(t *testing.T) {
	sink := NewLogSink(nil)
	sink.Emit(resilience.Event{Operation: "noop", Type: resilience.EventStateTransition})
}
