package goIdP

import (
	"strings"

	"github.com/MrEthical07/goIdP/internal/flows"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Endpoint paths served by httpapi. Discovery advertises them relative to the issuer.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathUserInfo  = "/userinfo"
	PathJwks      = "/.well-known/jwks.json"
	PathDiscovery = "/.well-known/openid-configuration"
	PathLogout    = "/logout"
)

// Discovery is the OpenID provider metadata document.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserInfoEndpoint                  string   `json:"userinfo_endpoint"`
	JwksURI                           string   `json:"jwks_uri"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	UILocalesSupported                []string `json:"ui_locales_supported,omitempty"`
}

// Discovery returns the provider metadata for the configured issuer.
func (e *Engine) Discovery() Discovery {
	base := strings.TrimRight(e.config.Token.Issuer, "/")
	return Discovery{
		Issuer:                base,
		AuthorizationEndpoint: base + PathAuthorize,
		TokenEndpoint:         base + PathToken,
		UserInfoEndpoint:      base + PathUserInfo,
		JwksURI:               base + PathJwks,
		EndSessionEndpoint:    base + PathLogout,
		ResponseTypesSupported: []string{
			"code",
		},
		GrantTypesSupported: []string{
			GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials,
		},
		SubjectTypesSupported: []string{"public"},
		ScopesSupported: []string{
			"openid", "profile", "email", "offline_access",
		},
		ClaimsSupported: []string{
			"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce",
			"email", "first_name", "last_name", "locale", "org",
		},
		CodeChallengeMethodsSupported:     []string{flows.PKCEMethodS256, flows.PKCEMethodPlain},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		UILocalesSupported:                append([]string(nil), e.config.Flow.Locales...),
	}
}
