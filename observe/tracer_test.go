package observe

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nexora/kit/resilience"
)

var errBoom = errors.New("boom")

func newRecordingTracer() (*tracerImpl, *tracetest.SpanRecorder) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	return &tracerImpl{tracer: tp.Tracer("test")}, rec
}

func spanAttr(span sdktrace.ReadOnlySpan, key string) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestOperationMeta_SpanName(t *testing.T) {
	meta := OperationMeta{Name: "payments.charge"}
	if got, want := meta.SpanName(), "resilience.call.payments.charge"; got != want {
		t.Errorf("SpanName() = %q, want %q", got, want)
	}
}

func TestOperationMeta_Validate(t *testing.T) {
	if err := (OperationMeta{}).Validate(); !errors.Is(err, ErrMissingOperationName) {
		t.Errorf("Validate() = %v, want ErrMissingOperationName", err)
	}
	if err := (OperationMeta{Name: "op"}).Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestTracer_StartSpanAttributes(t *testing.T) {
	tracer, rec := newRecordingTracer()

	ctx := WithCallID(context.Background(), "call-1")
	_, span := tracer.StartSpan(ctx, OperationMeta{
		Name:    "inventory.reserve",
		Service: "inventory",
		Version: "2.1.0",
		Tags:    []string{"write"},
	})
	tracer.EndSpan(span, nil)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	s := spans[0]
	if s.Name() != "resilience.call.inventory.reserve" {
		t.Errorf("span name = %q", s.Name())
	}
	want := map[string]string{
		"resilience.operation": "inventory.reserve",
		"resilience.service":   "inventory",
		"resilience.version":   "2.1.0",
		"resilience.call_id":   "call-1",
	}
	for k, v := range want {
		got, ok := spanAttr(s, k)
		if !ok || got.AsString() != v {
			t.Errorf("attribute %s = %v, want %q", k, got.Emit(), v)
		}
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestTracer_EndSpanWithError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantClass  string
		rejectedBy string
	}{
		{name: "underlying", err: errBoom, wantClass: "underlying_failure"},
		{
			name:       "circuit open",
			err:        &resilience.PolicyError{Operation: "op", Policy: resilience.KindCircuitBreaker, Err: resilience.ErrCircuitOpen},
			wantClass:  "circuit_open",
			rejectedBy: "circuit_breaker",
		},
		{name: "wrapped", err: fmt.Errorf("charge: %w", errBoom), wantClass: "underlying_failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, rec := newRecordingTracer()
			_, span := tracer.StartSpan(context.Background(), OperationMeta{Name: "op"})
			tracer.EndSpan(span, tt.err)

			s := rec.Ended()[0]
			if s.Status().Code != codes.Error {
				t.Errorf("status = %v, want Error", s.Status().Code)
			}
			if v, _ := spanAttr(s, "resilience.error"); !v.AsBool() {
				t.Error("resilience.error should be true")
			}
			if v, _ := spanAttr(s, "resilience.error_class"); v.AsString() != tt.wantClass {
				t.Errorf("error_class = %q, want %q", v.AsString(), tt.wantClass)
			}
			v, ok := spanAttr(s, "resilience.rejected_by")
			if tt.rejectedBy == "" && ok {
				t.Errorf("unexpected rejected_by %q", v.AsString())
			}
			if tt.rejectedBy != "" && v.AsString() != tt.rejectedBy {
				t.Errorf("rejected_by = %q, want %q", v.AsString(), tt.rejectedBy)
			}
			if len(s.Events()) == 0 {
				t.Error("error was not recorded as a span event")
			}
		})
	}
}

func TestCallIDFromContext(t *testing.T) {
	if _, ok := CallIDFromContext(context.Background()); ok {
		t.Error("background context has no call id")
	}
	if _, ok := CallIDFromContext(WithCallID(context.Background(), "")); ok {
		t.Error("empty call id should not count")
	}
	if id, ok := CallIDFromContext(WithCallID(context.Background(), "x")); !ok || id != "x" {
		t.Errorf("CallIDFromContext() = %q, %v", id, ok)
	}
}
