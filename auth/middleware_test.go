package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func protectedHandler(t *testing.T) http.Handler {
	t.Helper()
	authn := NewJWTAuthenticator(testConfig(), NewStaticKeyProvider(testKey))
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(PrincipalFromContext(r.Context())))
	})
	return Middleware(authn, RequireRole("resilience-admin"), nil)(next)
}

func TestMiddleware(t *testing.T) {
	admin := mustIssue(t, testConfig(), testKey, []string{"resilience-admin"}, time.Hour)
	viewer := mustIssue(t, testConfig(), testKey, []string{"viewer"}, time.Hour)

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"admin", "Bearer " + admin, http.StatusOK},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Bearer nope", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/resilience/operations/x/circuit-breaker/reset", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			protectedHandler(t).ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Fatalf("Status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantCode == http.StatusOK {
				if rec.Body.String() != "ops@example.com" {
					t.Errorf("Body = %q, want principal", rec.Body.String())
				}
				return
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("error body = %v, %v", body, err)
			}
			if tt.wantCode == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestMethodAction(t *testing.T) {
	for method, want := range map[string]string{
		http.MethodGet:    "read",
		http.MethodHead:   "read",
		http.MethodPost:   "write",
		http.MethodDelete: "write",
	} {
		if got := MethodAction(httptest.NewRequest(method, "/", nil)); got != want {
			t.Errorf("MethodAction(%s) = %q, want %q", method, got, want)
		}
	}
}
