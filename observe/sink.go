package observe

import (
	"context"

	"github.com/nexora/kit/resilience"
)

// LogSink writes resilience events as structured log lines.
//
// Breaker state transitions and retry attempts log at warn, failure and
// slow-call rate alarms and exhausted retries at error, rejections at info
// and everything else at debug. Call events are left to Middleware, which
// logs each call once with its call id.
type LogSink struct {
	logger Logger
}

// NewLogSink creates a sink logging through logger.
func NewLogSink(logger Logger) *LogSink {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &LogSink{logger: logger}
}

// Emit logs e.
func (s *LogSink) Emit(e resilience.Event) {
	if e.Type == resilience.EventCall {
		return
	}

	ctx := context.Background()
	log := s.logger.WithOperation(OperationMeta{Name: e.Operation})
	fields := eventFields(e)

	switch e.Type {
	case resilience.EventStateTransition:
		log.Warn(ctx, "circuit breaker state changed", fields...)
	case resilience.EventOverride:
		log.Warn(ctx, "circuit breaker override changed", fields...)
	case resilience.EventFailureRateExceeded:
		log.Error(ctx, "circuit breaker failure rate exceeded", fields...)
	case resilience.EventSlowCallRateExceeded:
		log.Error(ctx, "circuit breaker slow call rate exceeded", fields...)
	case resilience.EventRetry:
		log.Warn(ctx, "retrying after error", fields...)
	case resilience.EventRetriesExhausted:
		log.Error(ctx, "retries exhausted", fields...)
	case resilience.EventNotPermitted, resilience.EventRateLimited, resilience.EventBulkheadFull, resilience.EventTimeout:
		log.Info(ctx, "call rejected", fields...)
	case resilience.EventRegistered, resilience.EventReplaced:
		log.Info(ctx, "policy "+string(e.Type), fields...)
	default:
		log.Debug(ctx, "resilience event", fields...)
	}
}

func eventFields(e resilience.Event) []Field {
	fields := []Field{
		{Key: "policy", Value: string(e.Policy)},
		{Key: "event", Value: string(e.Type)},
	}
	switch e.Type {
	case resilience.EventStateTransition:
		fields = append(fields,
			Field{Key: "from", Value: e.From.String()},
			Field{Key: "to", Value: e.To.String()},
		)
	case resilience.EventOverride:
		fields = append(fields, Field{Key: "to", Value: e.To.String()})
	case resilience.EventFailureRateExceeded, resilience.EventSlowCallRateExceeded:
		fields = append(fields, Field{Key: "rate_pct", Value: e.Rate})
	}
	if e.Attempt > 0 {
		fields = append(fields, Field{Key: "attempt", Value: e.Attempt})
	}
	if e.Delay > 0 {
		fields = append(fields, Field{Key: "delay_ms", Value: float64(e.Delay.Microseconds()) / 1000})
	}
	if e.Err != nil {
		fields = append(fields, Field{Key: "error", Value: e.Err.Error()})
	}
	return fields
}

var _ resilience.EventSink = (*LogSink)(nil)
var _ resilience.EventSink = (Metrics)(nil)
