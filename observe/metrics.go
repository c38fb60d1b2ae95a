package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/nexora/kit/resilience"
)

// Metrics records protected call and resilience event metrics.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Context: must return quickly.
// - Errors: implementations must not panic.
type Metrics interface {
	// RecordCall records one protected call with its duration and error.
	RecordCall(ctx context.Context, meta OperationMeta, duration time.Duration, err error)

	// Emit counts a resilience event. Metrics is a resilience.EventSink.
	Emit(e resilience.Event)
}

// BreakerSource enumerates circuit breakers for the state gauge.
// *resilience.Registry satisfies it.
type BreakerSource interface {
	Operations() []string
	CircuitBreaker(op string) (*resilience.CircuitBreaker, bool)
}

// metricsImpl is the concrete implementation of Metrics.
type metricsImpl struct {
	meter        metric.Meter
	totalCount   metric.Int64Counter
	errorCount   metric.Int64Counter
	durationHist metric.Float64Histogram
	eventCount   metric.Int64Counter
	breakerState metric.Int64ObservableGauge
	failureRate  metric.Float64ObservableGauge
}

// newMetrics creates a new Metrics instance with the given meter.
func newMetrics(meter metric.Meter) (*metricsImpl, error) {
	totalCount, err := meter.Int64Counter(
		"resilience.calls.total",
		metric.WithDescription("Total number of protected calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	errorCount, err := meter.Int64Counter(
		"resilience.calls.errors",
		metric.WithDescription("Total number of protected calls that returned an error"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	durationHist, err := meter.Float64Histogram(
		"resilience.calls.duration_ms",
		metric.WithDescription("Protected call duration in milliseconds, including retries and waits"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	eventCount, err := meter.Int64Counter(
		"resilience.events.total",
		metric.WithDescription("Resilience events by policy and type"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	breakerState, err := meter.Int64ObservableGauge(
		"resilience.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state: 0 closed, 1 open, 2 half-open, 3 forced-open, 4 forced-closed"),
	)
	if err != nil {
		return nil, err
	}

	failureRate, err := meter.Float64ObservableGauge(
		"resilience.circuit_breaker.failure_rate",
		metric.WithDescription("Failure rate of the circuit breaker window"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}

	return &metricsImpl{
		meter:        meter,
		totalCount:   totalCount,
		errorCount:   errorCount,
		durationHist: durationHist,
		eventCount:   eventCount,
		breakerState: breakerState,
		failureRate:  failureRate,
	}, nil
}

// NewMetrics creates Metrics backed by the given meter.
func NewMetrics(meter metric.Meter) (Metrics, error) {
	return newMetrics(meter)
}

// RecordCall records metrics for a protected call.
func (m *metricsImpl) RecordCall(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", meta.Name),
		attribute.String("error_class", resilience.Classify(err).String()),
	}
	if meta.Service != "" {
		attrs = append(attrs, attribute.String("service", meta.Service))
	}
	opt := metric.WithAttributes(attrs...)

	m.totalCount.Add(ctx, 1, opt)
	if err != nil {
		m.errorCount.Add(ctx, 1, opt)
	}
	m.durationHist.Record(ctx, float64(duration.Microseconds())/1000, opt)
}

// Emit counts e under its operation, policy and type.
func (m *metricsImpl) Emit(e resilience.Event) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", e.Operation),
		attribute.String("policy", string(e.Policy)),
		attribute.String("type", string(e.Type)),
	}
	if e.Outcome != nil {
		attrs = append(attrs, attribute.String("outcome", e.Outcome.Kind.String()))
	}
	m.eventCount.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

// ObserveBreakers reports the state and failure rate of every breaker in src
// on each collection. Unregister the returned registration to stop.
func (m *metricsImpl) ObserveBreakers(src BreakerSource) (metric.Registration, error) {
	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		for _, op := range src.Operations() {
			cb, ok := src.CircuitBreaker(op)
			if !ok {
				continue
			}
			snap := cb.Metrics()
			opt := metric.WithAttributes(attribute.String("operation", op))
			o.ObserveInt64(m.breakerState, int64(snap.State), opt)
			o.ObserveFloat64(m.failureRate, snap.FailureRate, opt)
		}
		return nil
	}, m.breakerState, m.failureRate)
}

// ObserveBreakers registers breaker gauges on metrics created by this package.
func ObserveBreakers(metrics Metrics, src BreakerSource) (metric.Registration, error) {
	m, ok := metrics.(*metricsImpl)
	if !ok {
		return nil, ErrUnsupportedMetrics
	}
	return m.ObserveBreakers(src)
}

// noopMetrics is a metrics implementation that does nothing.
type noopMetrics struct{}

func (m *noopMetrics) RecordCall(ctx context.Context, meta OperationMeta, duration time.Duration, err error) {
}

func (m *noopMetrics) Emit(resilience.Event) {}
