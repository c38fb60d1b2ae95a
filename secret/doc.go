// Package secret resolves credentials referenced from configuration.
//
// Configuration files pass through ExpandEnvStrict before parsing, so every
// ${VAR} they mention must exist. Individual values such as the admin API
// signing key may then name a secret reference:
//
//	secretref:env:NEXORA_ADMIN_KEY
//	secretref:file:admin-signing-key
//
// A Resolver maps the provider name to a Provider. The env and file
// providers are registered with DefaultRegistry.
package secret
