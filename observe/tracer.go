package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/nexora/kit/resilience"
)

// OperationMeta describes a protected operation for telemetry purposes.
type OperationMeta struct {
	Name    string   // Operation name as registered with the resilience registry (required)
	Service string   // Downstream service the operation reaches (optional)
	Version string   // Caller version (optional)
	Tags    []string // Free-form tags (optional)
}

// SpanName returns the deterministic span name for this operation.
// Format: resilience.call.<name>
func (m OperationMeta) SpanName() string {
	return "resilience.call." + m.Name
}

// Validate reports whether the metadata is usable.
func (m OperationMeta) Validate() error {
	if m.Name == "" {
		return ErrMissingOperationName
	}
	return nil
}

type callIDKey struct{}

// WithCallID returns a context carrying the given call identifier.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallIDFromContext returns the call identifier set by WithCallID.
func CallIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(callIDKey{}).(string)
	return id, ok && id != ""
}

// Tracer wraps OpenTelemetry tracing with per-call span management.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Errors: EndSpan must be best-effort and must not panic.
type Tracer interface {
	// StartSpan starts a new span for one protected call.
	StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span)

	// EndSpan ends the span, recording any error and its class.
	EndSpan(span trace.Span, err error)
}

// tracerImpl is the concrete implementation of Tracer.
type tracerImpl struct {
	tracer trace.Tracer
}

// newTracer creates a new Tracer wrapping the given OpenTelemetry tracer.
func newTracer(t trace.Tracer) Tracer {
	return &tracerImpl{tracer: t}
}

// StartSpan starts a new span with operation metadata as attributes.
func (t *tracerImpl) StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{
		attribute.String("resilience.operation", meta.Name),
		attribute.Bool("resilience.error", false), // updated in EndSpan
	}
	if meta.Service != "" {
		attrs = append(attrs, attribute.String("resilience.service", meta.Service))
	}
	if meta.Version != "" {
		attrs = append(attrs, attribute.String("resilience.version", meta.Version))
	}
	if len(meta.Tags) > 0 {
		attrs = append(attrs, attribute.StringSlice("resilience.tags", meta.Tags))
	}
	if id, ok := CallIDFromContext(ctx); ok {
		attrs = append(attrs, attribute.String("resilience.call_id", id))
	}

	return t.tracer.Start(ctx, meta.SpanName(),
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan ends the span and records the error status if present.
func (t *tracerImpl) EndSpan(span trace.Span, err error) {
	if err != nil {
		class := resilience.Classify(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.Bool("resilience.error", true),
			attribute.String("resilience.error_class", class.String()),
		)
		var pe *resilience.PolicyError
		if errors.As(err, &pe) {
			span.SetAttributes(attribute.String("resilience.rejected_by", string(pe.Policy)))
		}
		span.RecordError(err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// noopTracer is a tracer that does nothing.
type noopTracer struct {
	noop trace.Tracer
}

// newNoopTracer creates a no-op tracer.
func newNoopTracer() Tracer {
	return &noopTracer{
		noop: tracenoop.NewTracerProvider().Tracer("noop"),
	}
}

func (t *noopTracer) StartSpan(ctx context.Context, meta OperationMeta) (context.Context, trace.Span) {
	return t.noop.Start(ctx, meta.SpanName())
}

func (t *noopTracer) EndSpan(span trace.Span, err error) {
	span.End()
}
