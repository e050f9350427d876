// Package goIdP is an OAuth2 / OpenID Connect identity provider engine: authorization
// code flow with PKCE, multi-step sign-in (MFA, recovery code, org selection, consent),
// access/ID/refresh token issuance, signing-key rotation, an embedded no-redirect API
// and a SAML bridge.
//
// Engine methods are safe to call from multiple goroutines after [Builder.Build].
//
// # Architecture boundaries
//
// goIdP is the public surface. It exposes [Engine], [Builder], [Config], the [Store]
// and [Sender] collaborator interfaces and value types. Continuation records, counters,
// key material and audit dispatch live under internal/ and are never exported.
//
// All cross-request state is kept in Redis (flows, codes, counters, the key ring) or in
// the [Store]. Nothing is cached in process memory except the parsed key ring, which is
// refreshed whenever its generation changes.
//
// # Flows
//
// A flow starts with [Engine.Initiate] and is advanced by step operations keyed by the
// continuation token it returns. Every step is a versioned compare-and-swap on the
// continuation record; a caller that loses the race gets [ErrFlowConflict] and the
// record is left as the winner wrote it. Attempt counters are the exception: they
// increment even when the step fails.
package goIdP
