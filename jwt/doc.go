// Package jwt issues and verifies the identity provider's tokens.
//
// Access and ID tokens are RS256 and signed with the current key of a [KeyRing].
// Verification tries the current key first and falls back to the deprecated key,
// so tokens issued before a rotation stay valid until the deprecated slot is purged.
// Refresh tokens are HS256 tokens signed with a dedicated symmetric secret.
package jwt
