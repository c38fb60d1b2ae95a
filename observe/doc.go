// Package observe provides observability for protected operations.
//
// It turns resilience events and protected calls into telemetry: OpenTelemetry
// spans per call, counters and histograms for outcomes, an observable gauge
// for circuit breaker state, and structured JSON log lines mirroring the
// state transitions, failure-rate alarms and retry attempts of each breaker.
//
// The package performs no dispatch of its own. Middleware wraps an
// ExecuteFunc, usually ProtectedExecutor over a resilience.Registry, and
// LogSink and Metrics plug into the registry as event sinks.
package observe
