// Package saml bridges SAML 2.0 and the goIdP engine.
//
// As a service provider it sends users to a registered external IdP and turns the
// validated assertion into a goIdP.SamlIdentity. As an identity provider it issues
// assertions to registered downstream service providers for users holding a browser
// session. Protocol handling is delegated to github.com/crewjam/saml.
package saml
