package auth

import (
	"context"
	"fmt"
)

// Authorizer determines if an identity is allowed to perform an action.
type Authorizer interface {
	// Authorize returns nil if permitted, or an *AuthzError if denied.
	Authorize(ctx context.Context, req *AuthzRequest) error

	// Name returns a unique identifier for this authorizer.
	Name() string
}

// AuthzRequest contains the information needed for authorization.
type AuthzRequest struct {
	Subject *Identity

	// Resource is the target, e.g. "resilience/operations/payments.charge".
	Resource string

	// Action is the requested action, e.g. "read" or "force-open".
	Action string
}

// AuthzError represents an authorization failure.
type AuthzError struct {
	Subject  string
	Resource string
	Action   string
	Reason   string
}

// Error returns the error message.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("authorization denied: subject=%q resource=%q action=%q reason=%q",
		e.Subject, e.Resource, e.Action, e.Reason)
}

// Is reports whether this error matches the target.
func (e *AuthzError) Is(target error) bool {
	return target == ErrForbidden
}

// RoleAuthorizer permits identities holding Role.
type RoleAuthorizer struct {
	Role string
}

// RequireRole returns an authorizer that permits identities holding role.
func RequireRole(role string) RoleAuthorizer {
	return RoleAuthorizer{Role: role}
}

// Authorize permits the request if the subject holds the role.
func (a RoleAuthorizer) Authorize(_ context.Context, req *AuthzRequest) error {
	if req.Subject == nil {
		return &AuthzError{Resource: req.Resource, Action: req.Action, Reason: "no identity provided"}
	}
	if !req.Subject.HasRole(a.Role) {
		return &AuthzError{
			Subject:  req.Subject.Principal,
			Resource: req.Resource,
			Action:   req.Action,
			Reason:   fmt.Sprintf("missing role %q", a.Role),
		}
	}
	return nil
}

// Name returns "role".
func (a RoleAuthorizer) Name() string {
	return "role"
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, req *AuthzRequest) error

// Authorize calls the function.
func (f AuthorizerFunc) Authorize(ctx context.Context, req *AuthzRequest) error {
	return f(ctx, req)
}

// Name returns "func" for function-based authorizers.
func (f AuthorizerFunc) Name() string {
	return "func"
}
