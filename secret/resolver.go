package secret

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// Secret resolution errors.
var (
	ErrProviderNotRegistered = errors.New("secret: provider is not registered")
	ErrSecretNotFound        = errors.New("secret: not found")
	ErrEmptySecret           = errors.New("secret: provider returned empty value")
)

// RefPrefix marks a value as a secret reference.
const RefPrefix = "secretref:"

// Ref names one secret held by a provider.
type Ref struct {
	Provider string
	Name     string
}

// String renders r as secretref:<provider>:<name>.
func (r Ref) String() string {
	return RefPrefix + r.Provider + ":" + r.Name
}

// ParseRef parses a value that is exactly one secret reference.
func ParseRef(value string) (Ref, bool) {
	rest, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return Ref{}, false
	}
	provider, name, ok := strings.Cut(rest, ":")
	if !ok || provider == "" || name == "" {
		return Ref{}, false
	}
	return Ref{Provider: provider, Name: name}, true
}

// embeddedRef matches references inside a longer value such as
// "Bearer secretref:env:TOKEN".
var embeddedRef = regexp.MustCompile(`secretref:([^:\s]+):(\S+)`)

// Resolver expands ${VAR} references and resolves secret references through
// its providers. A nil Resolver only expands environment variables.
type Resolver struct {
	strict bool

	mu        sync.RWMutex
	providers map[string]Provider
}

// NewResolver creates a resolver over providers. A strict resolver rejects
// empty secrets.
func NewResolver(strict bool, providers ...Provider) *Resolver {
	r := &Resolver{strict: strict, providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register adds provider, replacing one with the same name.
func (r *Resolver) Register(provider Provider) {
	if r == nil || provider == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.Name()] = provider
}

// Providers returns the registered provider names in sorted order.
func (r *Resolver) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ResolveValue expands value and replaces every secret reference in it.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	expanded, err := ExpandEnvStrict(value)
	if err != nil || r == nil {
		return expanded, err
	}

	if ref, ok := ParseRef(expanded); ok {
		return r.Lookup(ctx, ref)
	}

	var firstErr error
	out := embeddedRef.ReplaceAllStringFunc(expanded, func(match string) string {
		if firstErr != nil {
			return match
		}
		ref, _ := ParseRef(match)
		secret, err := r.Lookup(ctx, ref)
		if err != nil {
			firstErr = err
			return match
		}
		return secret
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveMap resolves every value of input. All failures are reported,
// ordered by key.
func (r *Resolver) ResolveMap(ctx context.Context, input map[string]string) (map[string]string, error) {
	if input == nil {
		return nil, nil
	}

	keys := make([]string, 0, len(input))
	for k := range input {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]string, len(input))
	var errs []error
	for _, k := range keys {
		v, err := r.ResolveValue(ctx, input[k])
		if err != nil {
			errs = append(errs, fmt.Errorf("resolve %q: %w", k, err))
			continue
		}
		out[k] = v
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// Lookup resolves one reference.
func (r *Resolver) Lookup(ctx context.Context, ref Ref) (string, error) {
	r.mu.RLock()
	provider := r.providers[ref.Provider]
	r.mu.RUnlock()
	if provider == nil {
		return "", fmt.Errorf("%w: %q", ErrProviderNotRegistered, ref.Provider)
	}

	v, err := provider.Resolve(ctx, ref.Name)
	if err != nil {
		return "", err
	}
	if v == "" && r.strict {
		return "", fmt.Errorf("%w: %s", ErrEmptySecret, ref)
	}
	return v, nil
}

// Close closes every provider.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, p := range r.providers {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
