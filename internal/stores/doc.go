// Package stores provides the Redis-backed, TTL-bound records the identity provider keeps
// between requests: in-progress authorization flows, issued authorization codes, one-time
// codes, refresh-token registrations, browser sessions, WebAuthn ceremonies, TOTP replay
// counters and the signing key ring.
//
// # Design
//
// Records are opaque byte payloads owned by the caller. Mutations that must not be lost
// (flow advance, code consumption, counter advance, key rotation) use WATCH/MULTI
// optimistic transactions; single-use reads use GETDEL.
//
// # What this package must NOT do
//
//   - Import goIdP or any sibling internal package.
//   - Log or expose plaintext secrets.
package stores
