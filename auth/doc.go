// Package auth authenticates bearer tokens and enforces roles on the
// resilience admin API.
//
// Tokens are HMAC-signed JWTs carrying the principal in "sub" and the
// granted roles in "roles". TokenIssuer mints them and JWTAuthenticator
// verifies them. Middleware puts the verified Identity on the request
// context and rejects callers that lack a required role.
package auth
