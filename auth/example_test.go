package auth_test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nexora/kit/auth"
)

func ExampleTokenIssuer_IssueToken() {
	cfg := auth.JWTConfig{Issuer: "nexora", Audience: "nexora-admin"}
	key := []byte("example-signing-key")

	issuer, _ := auth.NewTokenIssuer(cfg, key)
	token, _ := issuer.IssueToken("ops@example.com", []string{"resilience-admin"}, time.Hour)

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)

	authn := auth.NewJWTAuthenticator(cfg, auth.NewStaticKeyProvider(key))
	result, _ := authn.Authenticate(context.Background(), headers)
	fmt.Println(result.Authenticated, result.Identity.Principal, result.Identity.HasRole("resilience-admin"))
	// Output:
	// true ops@example.com true
}
