// Package admin serves an HTTP API for inspecting the policies bound in a
// resilience.Registry and operating circuit breakers by hand.
//
//	GET  /resilience/operations
//	GET  /resilience/operations/{op}
//	POST /resilience/operations/{op}/circuit-breaker/{action}
//	POST /resilience/config/reload
//
// action is one of force-open, force-closed, clear or reset. With WithAuth
// every route requires a bearer token carrying the configured role.
package admin
