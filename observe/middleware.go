package observe

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/nexora/kit/resilience"
)

// ExecuteFunc runs call as the named operation.
// This is the standard function signature that Middleware wraps.
type ExecuteFunc func(ctx context.Context, op OperationMeta, call func(context.Context) error) error

// ProtectedExecutor dispatches through the registry's policy chain.
func ProtectedExecutor(reg *resilience.Registry) ExecuteFunc {
	return func(ctx context.Context, op OperationMeta, call func(context.Context) error) error {
		return reg.ExecuteProtected(ctx, op.Name, call)
	}
}

// Middleware wraps protected execution with observability (tracing, metrics, logging).
//
// Contract:
//   - Concurrency: Wrap() returns a thread-safe ExecuteFunc.
//   - Context: Propagates context through tracing spans and attaches a call id.
//   - Errors: Errors from the wrapped function are recorded and propagated unchanged.
type Middleware struct {
	tracer  Tracer
	metrics Metrics
	logger  Logger
	newID   func() string
}

// NewMiddleware creates a new Middleware with the given observability components.
func NewMiddleware(tracer Tracer, metrics Metrics, logger Logger) *Middleware {
	if tracer == nil {
		tracer = newNoopTracer()
	}
	if metrics == nil {
		metrics = &noopMetrics{}
	}
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Middleware{
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// Wrap wraps an ExecuteFunc with tracing, metrics, and logging.
func (m *Middleware) Wrap(fn ExecuteFunc) ExecuteFunc {
	return func(ctx context.Context, op OperationMeta, call func(context.Context) error) error {
		if _, ok := CallIDFromContext(ctx); !ok {
			ctx = WithCallID(ctx, m.newID())
		}

		ctx, span := m.tracer.StartSpan(ctx, op)
		start := time.Now()

		err := fn(ctx, op, call)

		duration := time.Since(start)
		m.tracer.EndSpan(span, err)
		m.metrics.RecordCall(ctx, op, duration, err)

		log := m.logger.WithOperation(op)
		fields := []Field{
			{Key: "duration_ms", Value: float64(duration.Microseconds()) / 1000},
		}
		if err == nil {
			log.Info(ctx, "protected call completed", fields...)
			return nil
		}

		class := resilience.Classify(err)
		fields = append(fields,
			Field{Key: "error", Value: err.Error()},
			Field{Key: "error_class", Value: class.String()},
		)
		if resilience.IsRejection(err) || class == resilience.ClassCancelled {
			log.Warn(ctx, "protected call rejected", fields...)
		} else {
			log.Error(ctx, "protected call failed", fields...)
		}
		return err
	}
}

// MiddlewareFromObserver creates a Middleware from an Observer.
// This is a convenience function for common use cases.
func MiddlewareFromObserver(obs Observer) (*Middleware, Metrics, error) {
	if obs == nil {
		return nil, nil, ErrNilObserver
	}

	metrics, err := newMetrics(obs.Meter())
	if err != nil {
		return nil, nil, err
	}

	return NewMiddleware(newTracer(obs.Tracer()), metrics, obs.Logger()), metrics, nil
}
