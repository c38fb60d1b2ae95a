package auth

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ActionFunc names the action a request performs for authorization.
type ActionFunc func(r *http.Request) string

// MethodAction maps safe methods to "read" and everything else to "write".
func MethodAction(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	default:
		return "write"
	}
}

// Middleware authenticates every request with authn and authorizes it with
// authz. Unauthenticated requests get 401 and denied ones 403, both with a
// JSON error body. The identity is available downstream through
// IdentityFromContext.
func Middleware(authn Authenticator, authz Authorizer, action ActionFunc) func(http.Handler) http.Handler {
	if action == nil {
		action = MethodAction
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			result, err := authn.Authenticate(r.Context(), r.Header)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			if !result.Authenticated {
				w.Header().Set("WWW-Authenticate", `Bearer realm="nexora"`)
				writeError(w, http.StatusUnauthorized, result.Error)
				return
			}

			if authz != nil {
				req := &AuthzRequest{Subject: result.Identity, Resource: r.URL.Path, Action: action(r)}
				if err := authz.Authorize(r.Context(), req); err != nil {
					status := http.StatusInternalServerError
					if errors.Is(err, ErrForbidden) {
						status = http.StatusForbidden
					}
					writeError(w, status, err)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), result.Identity)))
		})
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
