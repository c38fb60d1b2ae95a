package commands

import (
	"context"
	"errors"

	"github.com/nexora/kit/auth"
	"github.com/nexora/kit/config"
	"github.com/nexora/kit/resilience"
	"github.com/nexora/kit/secret"
)

// Failures produced by probe requests.
var (
	errTransport   = errors.New("probe: transport error")
	errServerError = errors.New("probe: server error")
)

// errorCatalog names the errors retry-exceptions may list.
func errorCatalog() config.ErrorCatalog {
	return config.ErrorCatalog{
		"transport":         errTransport,
		"server-error":      errServerError,
		"timeout":           resilience.ErrTimeout,
		"deadline-exceeded": context.DeadlineExceeded,
	}
}

func newResolver(cfg *config.Config) (*secret.Resolver, error) {
	return secret.DefaultRegistry.NewResolver(true, cfg.Secrets.Providers)
}

// signingKey resolves the admin signing key, which may be a secret reference.
func signingKey(ctx context.Context, cfg *config.Config) ([]byte, error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	key, err := resolver.ResolveValue(ctx, cfg.Admin.JWT.SigningKey)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, auth.ErrMissingSigningKey
	}
	return []byte(key), nil
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:   cfg.Admin.JWT.Issuer,
		Audience: cfg.Admin.JWT.Audience,
	}
}
