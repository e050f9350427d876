// Package flows holds the pure parts of the authorization flow: step computation,
// PKCE verification, scope arithmetic, recovery-code primitives and the
// credential sign-in orchestrator.
//
// Orchestrators accept a typed dependency struct of function fields and never
// perform I/O themselves. The root package owns every resource they touch.
//
// This package must not import goIdP.
package flows
