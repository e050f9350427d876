// Package middleware provides net/http adapters for goIdP.
//
// # Architecture boundaries
//
// Handlers here never touch Redis or the store directly. [Guard] verifies bearer
// access tokens through any [TokenVerifier], normally the engine, and exposes the
// claims with [ClaimsFromContext]. [RequestContext] feeds the caller IP, User-Agent and
// Origin to the engine. [Throttle] sheds request floods per IP before they reach the
// Redis-backed attempt counters.
//
// # What this package must NOT do
//
//   - Render authorization pages
//   - Decide MFA steps
//   - Cache token verification results
package middleware
