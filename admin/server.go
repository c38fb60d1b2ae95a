package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/nexora/kit/auth"
	"github.com/nexora/kit/observe"
	"github.com/nexora/kit/resilience"
)

// Breaker actions accepted by the circuit-breaker route.
const (
	ActionForceOpen   = "force-open"
	ActionForceClosed = "force-closed"
	ActionClear       = "clear"
	ActionReset       = "reset"
)

var (
	// ErrUnknownOperation is returned for operations with no bound chain.
	ErrUnknownOperation = errors.New("admin: unknown operation")

	// ErrNoCircuitBreaker is returned when the chain has no breaker.
	ErrNoCircuitBreaker = errors.New("admin: operation has no circuit breaker")

	// ErrUnknownAction is returned for unsupported breaker actions.
	ErrUnknownAction = errors.New("admin: unknown action")

	// ErrReloadUnavailable is returned when no reloader is configured.
	ErrReloadUnavailable = errors.New("admin: reload not configured")
)

// Option configures the admin handler.
type Option func(*Server)

// WithAuth requires a token accepted by authn that carries role.
func WithAuth(authn auth.Authenticator, role string) Option {
	return func(s *Server) {
		s.authn = authn
		s.role = role
	}
}

// WithLogger sets the logger for administrative actions.
func WithLogger(l observe.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReloader enables POST /resilience/config/reload.
func WithReloader(reload func(context.Context) error) Option {
	return func(s *Server) { s.reload = reload }
}

// Server is the admin API. It is an http.Handler.
type Server struct {
	reg    *resilience.Registry
	authn  auth.Authenticator
	role   string
	logger observe.Logger
	reload func(context.Context) error

	handler http.Handler
}

// NewServer creates the admin API over reg.
func NewServer(reg *resilience.Registry, opts ...Option) *Server {
	s := &Server{reg: reg, logger: observe.NopLogger()}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /resilience/operations", s.listOperations)
	mux.HandleFunc("GET /resilience/operations/{op}", s.getOperation)
	mux.HandleFunc("POST /resilience/operations/{op}/circuit-breaker/{action}", s.breakerAction)
	mux.HandleFunc("POST /resilience/config/reload", s.reloadConfig)

	s.handler = mux
	if s.authn != nil {
		s.handler = auth.Middleware(s.authn, auth.RequireRole(s.role), nil)(mux)
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) listOperations(w http.ResponseWriter, _ *http.Request) {
	views := make([]OperationView, 0)
	for _, op := range s.reg.Operations() {
		if c, ok := s.reg.Lookup(op); ok {
			views = append(views, describe(c))
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	op := r.PathValue("op")
	c, ok := s.reg.Lookup(op)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", ErrUnknownOperation, op))
		return
	}
	writeJSON(w, http.StatusOK, describe(c))
}

func (s *Server) breakerAction(w http.ResponseWriter, r *http.Request) {
	op, action := r.PathValue("op"), r.PathValue("action")

	if _, ok := s.reg.Lookup(op); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", ErrUnknownOperation, op))
		return
	}
	cb, ok := s.reg.CircuitBreaker(op)
	if !ok {
		writeError(w, http.StatusConflict, fmt.Errorf("%w: %q", ErrNoCircuitBreaker, op))
		return
	}

	switch action {
	case ActionForceOpen:
		cb.ForceOpen()
	case ActionForceClosed:
		cb.ForceClosed()
	case ActionClear:
		cb.ClearOverride()
	case ActionReset:
		cb.Reset()
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %q", ErrUnknownAction, action))
		return
	}

	view := breakerView(cb)
	s.logger.WithOperation(observe.OperationMeta{Name: op}).Warn(r.Context(), "circuit breaker action",
		observe.Field{Key: "action", Value: action},
		observe.Field{Key: "state", Value: view.State},
		observe.Field{Key: "principal", Value: auth.PrincipalFromContext(r.Context())},
	)
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) reloadConfig(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusNotImplemented, ErrReloadUnavailable)
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.Error(r.Context(), "configuration reload failed",
			observe.Field{Key: "error", Value: err.Error()},
			observe.Field{Key: "principal", Value: auth.PrincipalFromContext(r.Context())},
		)
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.logger.Info(r.Context(), "configuration reloaded",
		observe.Field{Key: "principal", Value: auth.PrincipalFromContext(r.Context())},
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
