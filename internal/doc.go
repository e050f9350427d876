// Package internal contains helpers that are private to goIdP: secure random
// tokens, numeric one-time codes and code digests.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: step computation, PKCE, scopes, recovery codes and the credential sign-in flow
//   - rate: Redis-backed rate-limit guard
//   - stores: Redis-backed continuation records, codes, sessions and key ring
//
// # What this package must NOT do
//
//   - Export types that appear in the public goIdP API.
//   - Be imported by any package outside the goIdP module.
package internal
