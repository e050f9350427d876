// Package rate provides the Redis-backed guard used to count and block repeated
// security-sensitive actions (failed sign-ins, MFA failures, code sends, reset requests).
//
// # Window semantics
//
// Fixed-window counters: INCR + conditional EXPIRE on first hit. Every counter is keyed by
// the triple (action, identity, origin):
//
//	rl:<action>:<identity>:<origin>
//
// The identity is normalized to lower case. An empty origin is stored as "-".
//
// # What this package must NOT do
//
//   - Decide which identity or origin a flow uses (callers pass them explicitly).
//   - Be imported outside the goIdP module.
package rate
