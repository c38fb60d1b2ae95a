// Package health reports service health from the state of circuit breakers.
//
// A Checker reports a Status: Healthy, Degraded or Unhealthy. BreakerChecker
// derives one from every breaker in a resilience.Registry. A half-open or
// open breaker degrades the service, and an open breaker on a critical
// operation makes it unhealthy.
//
// # Basic Usage
//
//	checker := health.NewBreakerChecker(registry, health.WithCritical("payments.charge"))
//
//	result := checker.Check(ctx)
//	if result.Status == health.StatusUnhealthy {
//	    log.Printf("breakers open: %s", result.Message)
//	}
//
// # Aggregating Health Checks
//
// Aggregator runs several checkers concurrently under one timeout:
//
//	agg := health.NewAggregator(health.AggregatorConfig{Timeout: 2 * time.Second})
//	agg.Register("circuit_breakers", checker)
//
//	results := agg.CheckAll(ctx)
//	overall := health.Worst(results)
//
// # HTTP Endpoints
//
//	mux := http.NewServeMux()
//	health.RegisterHandlers(mux, agg)
//
// registers /healthz (liveness), /readyz (readiness), /health (detailed JSON)
// and /health/{name} (one checker).
package health
