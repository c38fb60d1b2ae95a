package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRoleAuthorizer(t *testing.T) {
	authz := RequireRole("resilience-admin")

	tests := []struct {
		name    string
		subject *Identity
		wantErr bool
		reason  string
	}{
		{"has role", &Identity{Principal: "ops", Roles: []string{"resilience-admin"}}, false, ""},
		{"missing role", &Identity{Principal: "dev", Roles: []string{"viewer"}}, true, "missing role"},
		{"no identity", nil, true, "no identity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authz.Authorize(context.Background(), &AuthzRequest{
				Subject:  tt.subject,
				Resource: "/resilience/operations",
				Action:   "read",
			})
			if !tt.wantErr {
				if err != nil {
					t.Errorf("Authorize() error = %v", err)
				}
				return
			}
			if !errors.Is(err, ErrForbidden) {
				t.Fatalf("Authorize() error = %v, want ErrForbidden", err)
			}
			var authzErr *AuthzError
			if !errors.As(err, &authzErr) || !strings.Contains(authzErr.Reason, tt.reason) {
				t.Errorf("Reason = %q, want it to contain %q", authzErr.Reason, tt.reason)
			}
		})
	}
}

func TestAuthorizerFunc(t *testing.T) {
	called := false
	f := AuthorizerFunc(func(context.Context, *AuthzRequest) error {
		called = true
		return nil
	})
	if err := f.Authorize(context.Background(), &AuthzRequest{}); err != nil || !called {
		t.Errorf("Authorize() = %v, called = %v", err, called)
	}
	if f.Name() != "func" {
		t.Errorf("Name() = %q", f.Name())
	}
}
