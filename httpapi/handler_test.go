package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
)

// signInBody merges the authorize parameters with credential fields.
func signInBody(t *testing.T, req goIdP.AuthorizeRequest, fields map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func (s *testServer) passwordSignIn(t *testing.T, scope string) (flowResponse, string, *httptest.ResponseRecorder) {
	t.Helper()
	req, verifier := authorizeParams(scope)
	rec := s.postJSON(t, "/authorize-password", signInBody(t, req, map[string]any{
		"email":    testEmail,
		"password": testPassword,
	}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[flowResponse](t, rec), verifier, rec
}

func (s *testServer) exchange(t *testing.T, code, verifier string) *httptest.ResponseRecorder {
	t.Helper()
	return s.postForm(t, goIdP.PathToken, url.Values{
		"grant_type":    {goIdP.GrantAuthorizationCode},
		"client_id":     {testClientID},
		"code":          {code},
		"redirect_uri":  {testRedirectURI},
		"code_verifier": {verifier},
	})
}

func TestDiscoveryAndJWKS(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathDiscovery, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "public")
	doc := decode[goIdP.Discovery](t, rec)
	assert.Equal(t, testIssuer, doc.Issuer)
	assert.Equal(t, testIssuer+goIdP.PathToken, doc.TokenEndpoint)
	assert.Equal(t, []string{"RS256"}, doc.IDTokenSigningAlgValuesSupported)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathJwks, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	jwks := decode[jose.JSONWebKeySet](t, rec)
	require.Len(t, jwks.Keys, 1)
	assert.True(t, jwks.Keys[0].IsPublic())
	assert.Equal(t, "RS256", jwks.Keys[0].Algorithm)
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())
	req, _ := authorizeParams("openid")

	rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathAuthorize+"?"+authorizeQuery(req), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[appInfoResponse](t, rec)
	assert.Equal(t, testClientID, info.ClientID)
	assert.Equal(t, "Example SPA", info.Name)

	tests := []struct {
		name   string
		mutate func(*goIdP.AuthorizeRequest)
		status int
		reason string
	}{
		{"unknown client", func(r *goIdP.AuthorizeRequest) { r.ClientID = "nope" }, http.StatusUnauthorized, "wrong_client"},
		{"unregistered redirect", func(r *goIdP.AuthorizeRequest) { r.RedirectURI = "https://evil.example.com" }, http.StatusUnauthorized, "wrong_redirect_uri"},
		{"token response type", func(r *goIdP.AuthorizeRequest) { r.ResponseType = "token" }, http.StatusBadRequest, "unsupported_response_type"},
		{"missing challenge", func(r *goIdP.AuthorizeRequest) { r.CodeChallenge = "" }, http.StatusBadRequest, "invalid_request"},
		{"machine client", func(r *goIdP.AuthorizeRequest) { r.ClientID = "reporting" }, http.StatusUnauthorized, "wrong_client_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := req
			tt.mutate(&bad)
			rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathAuthorize+"?"+authorizeQuery(bad), nil))
			assert.Equal(t, tt.status, rec.Code)
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.reason, body.Error)
			assert.NotEmpty(t, body.ErrorDescription)
		})
	}
}

func TestAuthorizeRedirectsToSignInPage(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig(), WithSignInPage("https://login.example.com/"))
	req, _ := authorizeParams("openid")
	query := authorizeQuery(req)

	rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathAuthorize+"?"+query, nil))
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://login.example.com/?"+query, rec.Header().Get("Location"))
}

func TestPasswordFlowThroughTokenLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	flow, verifier, signIn := s.passwordSignIn(t, "openid email offline_access")
	require.True(t, flow.Completed)
	assert.Equal(t, testRedirectURI, flow.RedirectURI)
	assert.Equal(t, "xyz", flow.State)
	assert.Empty(t, flow.NextPage)
	cookie := sessionCookie(t, signIn)
	assert.True(t, cookie.HttpOnly)

	rec := s.exchange(t, flow.Code, verifier)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	tokens := decode[goIdP.TokenResponse](t, rec)
	assert.NotEmpty(t, tokens.AccessToken)
	assert.NotEmpty(t, tokens.IDToken)
	require.NotEmpty(t, tokens.RefreshToken)

	replay := s.exchange(t, flow.Code, verifier)
	assert.Equal(t, http.StatusBadRequest, replay.Code)
	assert.Equal(t, "wrong_auth_code", decode[errorBody](t, replay).Error)

	rec = s.postForm(t, goIdP.PathToken, url.Values{
		"grant_type":    {goIdP.GrantRefreshToken},
		"client_id":     {testClientID},
		"refresh_token": {tokens.RefreshToken},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[goIdP.TokenResponse](t, rec).AccessToken)

	userInfo := httptest.NewRequest(http.MethodGet, goIdP.PathUserInfo, nil)
	userInfo.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	rec = s.do(t, userInfo)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info := decode[goIdP.UserInfo](t, rec)
	assert.NotEmpty(t, info.Subject)
	assert.Equal(t, testEmail, info.Email)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathUserInfo, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.postForm(t, goIdP.PathLogout, url.Values{
		"client_id":                {testClientID},
		"refresh_token":            {tokens.RefreshToken},
		"post_logout_redirect_uri": {testLogoutURI},
		"state":                    {"bye"},
	}, withCookie(cookie))
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	assert.Equal(t, testLogoutURI+"?state=bye", rec.Header().Get("Location"))

	rec = s.postForm(t, goIdP.PathToken, url.Values{
		"grant_type":    {goIdP.GrantRefreshToken},
		"client_id":     {testClientID},
		"refresh_token": {tokens.RefreshToken},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh_revoked", decode[errorBody](t, rec).Error)
}

func TestLogoutRejectsUnregisteredRedirect(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathLogout+"?client_id="+testClientID+
		"&post_logout_redirect_uri="+url.QueryEscape("https://evil.example.com"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_post_logout_redirect_uri", decode[errorBody](t, rec).Error)

	rec = s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathLogout+"?client_id="+testClientID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAuthorizeResumesBrowserSession(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())
	_, _, signIn := s.passwordSignIn(t, "openid")
	cookie := sessionCookie(t, signIn)

	req, _ := authorizeParams("openid")
	get := httptest.NewRequest(http.MethodGet, goIdP.PathAuthorize+"?"+authorizeQuery(req), nil)
	get.AddCookie(cookie)
	rec := s.do(t, get)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(location.String(), testRedirectURI))
	assert.NotEmpty(t, location.Query().Get("code"))
	assert.Equal(t, "xyz", location.Query().Get("state"))

	// An unknown session falls back to the sign-in path and clears the cookie.
	get = httptest.NewRequest(http.MethodGet, goIdP.PathAuthorize+"?"+authorizeQuery(req), nil)
	get.AddCookie(&http.Cookie{Name: DefaultSessionCookie, Value: "unknown-session"})
	rec = s.do(t, get)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, -1, sessionCookie(t, rec).MaxAge)
}

func TestEmailMfaStepEndpoints(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MFA.RequireEmail = true
	s := newTestServer(t, cfg)

	flow, verifier, _ := s.passwordSignIn(t, "openid")
	require.False(t, flow.Completed)
	assert.Equal(t, string(goIdP.StepMfaVerify), flow.NextPage)
	require.NotNil(t, flow.Step)
	assert.Equal(t, goIdP.MfaEmail, flow.Step.Factor)

	rec := s.postJSON(t, "/authorize-email-mfa", map[string]any{"code": flow.Code, "verificationCode": "000000"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_mfa_code", decode[errorBody](t, rec).Error)

	rec = s.postJSON(t, "/authorize-email-mfa-code", map[string]any{"code": flow.Code})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.postJSON(t, "/authorize-email-mfa", map[string]any{
		"code":             flow.Code,
		"verificationCode": s.mail.code(t, testEmail),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[flowResponse](t, rec)
	require.True(t, done.Completed)

	rec = s.exchange(t, done.Code, verifier)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.postJSON(t, "/authorize-otp-mfa", map[string]any{"code": "not-a-flow", "verificationCode": "123456"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "wrong_auth_code", decode[errorBody](t, rec).Error)
}

func TestStepEndpointsRejectMalformedBodies(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	req := httptest.NewRequest(http.MethodPost, "/authorize-consent", strings.NewReader("{not json"))
	rec := s.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_request", decode[errorBody](t, rec).Error)

	req = httptest.NewRequest(http.MethodPost, "/authorize-password", nil)
	rec = s.do(t, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenEndpointGrantsAndClientAuth(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	tests := []struct {
		name   string
		form   url.Values
		basic  []string
		status int
		reason string
	}{
		{"missing grant", url.Values{}, nil, http.StatusBadRequest, "invalid_request"},
		{"unknown grant", url.Values{"grant_type": {"password"}}, nil, http.StatusBadRequest, "unsupported_grant_type"},
		{"bad secret", url.Values{"grant_type": {goIdP.GrantClientCredentials}}, []string{"reporting", "wrong"}, http.StatusUnauthorized, "invalid_client"},
		{"mismatched ids", url.Values{"grant_type": {goIdP.GrantClientCredentials}, "client_id": {"other"}}, []string{"reporting", "s3cret"}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.postForm(t, goIdP.PathToken, tt.form, func(r *http.Request) {
				if tt.basic != nil {
					r.SetBasicAuth(tt.basic[0], tt.basic[1])
				}
			})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.reason, decode[errorBody](t, rec).Error)
			if tt.reason == "invalid_client" {
				assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
			}
		})
	}

	rec := s.postForm(t, goIdP.PathToken, url.Values{"grant_type": {goIdP.GrantClientCredentials}}, func(r *http.Request) {
		r.SetBasicAuth("reporting", "s3cret")
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := decode[goIdP.TokenResponse](t, rec)
	assert.Equal(t, "reports:read", tokens.Scope)
	assert.Empty(t, tokens.RefreshToken)

	rec = s.postForm(t, goIdP.PathToken, url.Values{
		"grant_type":    {goIdP.GrantClientCredentials},
		"client_id":     {"reporting"},
		"client_secret": {"s3cret"},
	})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEmbeddedAPI(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())
	req, verifier := authorizeParams("openid offline_access")
	req.RedirectURI = ""
	req.ResponseType = ""

	preflight := httptest.NewRequest(http.MethodOptions, EmbeddedPrefix+"/initiate", nil)
	preflight.Header.Set("Origin", testOrigin)
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := s.do(t, preflight)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, testOrigin, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = s.postJSON(t, EmbeddedPrefix+"/initiate", req, withOrigin("https://evil.example.com"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "origin_not_allowed", decode[errorBody](t, rec).Error)

	rec = s.postJSON(t, EmbeddedPrefix+"/initiate", req, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	session := decode[embeddedSessionResponse](t, rec)
	require.NotEmpty(t, session.SessionID)

	rec = s.postJSON(t, EmbeddedPrefix+"/sign-in", map[string]any{
		"sessionId": session.SessionID,
		"method":    "carrier-pigeon",
	}, withOrigin(testOrigin))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.postJSON(t, EmbeddedPrefix+"/sign-in", map[string]any{
		"sessionId": session.SessionID,
		"method":    MethodPassword,
		"email":     testEmail,
		"password":  testPassword,
	}, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flow := decode[flowResponse](t, rec)
	assert.True(t, flow.Completed)
	assert.Empty(t, flow.Code, "embedded flows never expose a code")
	assert.Equal(t, session.SessionID, flow.SessionID)

	rec = s.postJSON(t, EmbeddedPrefix+"/token-exchange", map[string]any{
		"sessionId":    session.SessionID,
		"codeVerifier": verifier,
	}, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := decode[goIdP.TokenResponse](t, rec)
	require.NotEmpty(t, tokens.RefreshToken)

	rec = s.postJSON(t, EmbeddedPrefix+"/token-refresh", map[string]any{
		"clientId":     testClientID,
		"refreshToken": tokens.RefreshToken,
	}, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, decode[goIdP.TokenResponse](t, rec).RefreshToken)
}

func TestEmbeddedStepsUseSessionID(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MFA.RequireEmail = true
	s := newTestServer(t, cfg)
	req, _ := authorizeParams("openid")

	rec := s.postJSON(t, EmbeddedPrefix+"/initiate", req, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sessionID := decode[embeddedSessionResponse](t, rec).SessionID

	rec = s.postJSON(t, EmbeddedPrefix+"/sign-in", map[string]any{
		"sessionId": sessionID,
		"email":     testEmail,
		"password":  testPassword,
	}, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, string(goIdP.StepMfaVerify), decode[flowResponse](t, rec).NextPage)

	rec = s.postJSON(t, EmbeddedPrefix+"/email-mfa-code", map[string]any{"sessionId": sessionID}, withOrigin(testOrigin))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = s.postJSON(t, EmbeddedPrefix+"/email-mfa", map[string]any{
		"sessionId":        sessionID,
		"verificationCode": s.mail.code(t, testEmail),
	}, withOrigin(testOrigin))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	flow := decode[flowResponse](t, rec)
	assert.True(t, flow.Completed)
	assert.Equal(t, sessionID, flow.SessionID)
	assert.Empty(t, flow.Code)
}

func TestPasswordResetEndpoints(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.PasswordReset.Enabled = true
	s := newTestServer(t, cfg)

	rec := s.postJSON(t, "/password-reset", map[string]any{"email": "nobody@example.com"})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = s.postJSON(t, "/password-reset", map[string]any{"email": testEmail})
	require.Equal(t, http.StatusAccepted, rec.Code)
	code := s.mail.code(t, testEmail)

	rec = s.postJSON(t, "/password-reset/confirm", map[string]any{
		"email":            testEmail,
		"verificationCode": code + "0",
		"newPassword":      "Another-pass-2?",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_reset_code", decode[errorBody](t, rec).Error)

	rec = s.postJSON(t, "/password-reset/confirm", map[string]any{
		"email":            testEmail,
		"verificationCode": code,
		"newPassword":      "Another-pass-2?",
	})
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestFeatureDisabledIsForbidden(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig())

	rec := s.postJSON(t, "/password-reset", map[string]any{"email": testEmail})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "feature_disabled", decode[errorBody](t, rec).Error)
}

func TestThrottleGuardsFlowEndpoints(t *testing.T) {
	t.Parallel()
	s := newTestServer(t, testConfig(), WithThrottle(middleware.NewThrottle(1, false)))

	first := s.postJSON(t, "/authorize-consent", map[string]any{"code": "x"})
	assert.NotEqual(t, http.StatusTooManyRequests, first.Code)
	second := s.postJSON(t, "/authorize-consent", map[string]any{"code": "x"})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Discovery is not throttled.
	rec := s.do(t, httptest.NewRequest(http.MethodGet, goIdP.PathDiscovery, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
