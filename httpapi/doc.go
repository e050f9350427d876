// Package httpapi exposes a goIdP.Engine over HTTP.
//
// Routes are registered on a chi router: the hosted authorize flow and its step
// endpoints, the token endpoint, OIDC discovery and JWKS, userinfo, logout, the
// embedded API under /embedded-auth/v1 and, when a bridge is supplied, SAML.
// Step endpoints speak JSON; the token endpoint takes form-encoded requests.
package httpapi
