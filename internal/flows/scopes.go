package flows

import "strings"

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// ParseScopes splits a space-delimited scope string, dropping duplicates and keeping order.
func ParseScopes(raw string) []string {
	fields := strings.Fields(raw)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if !HasScope(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// IntersectScopes returns the requested scopes the app is granted, in requested order.
func IntersectScopes(requested, granted []string) []string {
	out := make([]string, 0, len(requested))
	for _, s := range requested {
		if HasScope(granted, s) && !HasScope(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// HasScope reports whether scope is in scopes.
func HasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// CoversScopes reports whether every scope of want is in have.
func CoversScopes(have, want []string) bool {
	for _, s := range want {
		if !HasScope(have, s) {
			return false
		}
	}
	return true
}

// JoinScopes renders scopes in the space-delimited wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
