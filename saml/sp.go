package saml

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"

	crewjam "github.com/crewjam/saml"
	"github.com/crewjam/saml/samlsp"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/internal"
)

const trackingCookiePrefix = "saml_"

// trackedRequest travels in a signed cookie from BeginLogin to the ACS. It carries
// the AuthnRequest id the response must answer and the OAuth request to resume.
type trackedRequest struct {
	jwtlib.RegisteredClaims
	IdP     string                 `json:"idp"`
	Request goIdP.AuthorizeRequest `json:"req"`
}

// BeginLogin starts SP-initiated sign-in at the named IdP. The caller redirects
// the browser to the returned URL after setting the returned cookie.
func (b *Bridge) BeginLogin(ctx context.Context, idpName string, req goIdP.AuthorizeRequest) (*url.URL, *http.Cookie, error) {
	if _, err := b.engine.ValidateAuthorizeRequest(ctx, req); err != nil {
		return nil, nil, err
	}
	sp, err := b.providerFor(ctx, idpName)
	if err != nil {
		return nil, nil, err
	}

	authReq, err := sp.MakeAuthenticationRequest(
		sp.GetSSOBindingLocation(crewjam.HTTPRedirectBinding),
		crewjam.HTTPRedirectBinding,
		crewjam.HTTPPostBinding,
	)
	if err != nil {
		return nil, nil, b.internal("saml authn request failed", err, idpName)
	}
	relayState, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, nil, b.internal("saml relay state failed", err, idpName)
	}
	redirect, err := authReq.Redirect(relayState, sp)
	if err != nil {
		return nil, nil, b.internal("saml redirect failed", err, idpName)
	}

	// The session id is a browser credential; it is re-read at the ACS.
	req.SessionID = ""
	now := b.now()
	claims := trackedRequest{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        authReq.ID,
			Subject:   relayState,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(b.cfg.TrackingTTL)),
		},
		IdP:     idpName,
		Request: req,
	}
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(b.cfg.TrackingSecret)
	if err != nil {
		return nil, nil, b.internal("saml tracking cookie failed", err, idpName)
	}
	cookie := &http.Cookie{
		Name:     trackingCookiePrefix + relayState,
		Value:    signed,
		Path:     PathACS,
		MaxAge:   int(b.cfg.TrackingTTL.Seconds()),
		HttpOnly: true,
		Secure:   b.cfg.SecureCookies,
		// The IdP posts the response cross-site.
		SameSite: http.SameSiteNoneMode,
	}
	if !cookie.Secure {
		cookie.SameSite = http.SameSiteLaxMode
	}
	return redirect, cookie, nil
}

// CompleteLogin validates the response posted to the ACS and returns the OAuth
// request it resumes with the asserted identity. The tracking cookie is cleared on
// w whether or not the response is valid.
func (b *Bridge) CompleteLogin(w http.ResponseWriter, r *http.Request) (goIdP.AuthorizeRequest, goIdP.SamlIdentity, error) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}
	relayState := r.PostForm.Get("RelayState")
	if !internal.ValidOpaqueToken(relayState) {
		b.engine.ReportSamlFailure(ctx, "", errors.New("missing relay state"))
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}
	name := trackingCookiePrefix + relayState
	cookie, err := r.Cookie(name)
	if err != nil {
		b.engine.ReportSamlFailure(ctx, "", errors.New("unknown relay state"))
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}
	http.SetCookie(w, &http.Cookie{Name: name, Path: PathACS, MaxAge: -1, HttpOnly: true, Secure: b.cfg.SecureCookies})

	tracked, err := b.parseTracked(cookie.Value, relayState)
	if err != nil {
		b.engine.ReportSamlFailure(ctx, "", err)
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}

	idp, err := b.engine.SamlIdentityProvider(ctx, tracked.IdP)
	if err != nil {
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, err
	}
	sp, err := b.serviceProviderFor(idp)
	if err != nil {
		b.engine.ReportSamlFailure(ctx, idp.Name, err)
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}
	assertion, err := sp.ParseResponse(r, []string{tracked.ID})
	if err != nil {
		cause := err
		var invalid *crewjam.InvalidResponseError
		if errors.As(err, &invalid) && invalid.PrivateErr != nil {
			cause = invalid.PrivateErr
		}
		b.logger.Warn("saml response rejected", zap.String("idp", idp.Name), zap.Error(cause))
		b.engine.ReportSamlFailure(ctx, idp.Name, cause)
		return goIdP.AuthorizeRequest{}, goIdP.SamlIdentity{}, goIdP.ErrInvalidSamlResponse
	}
	return tracked.Request, identityFromAssertion(idp, assertion), nil
}

func (b *Bridge) parseTracked(value, relayState string) (*trackedRequest, error) {
	var tracked trackedRequest
	_, err := jwtlib.ParseWithClaims(value, &tracked, func(*jwtlib.Token) (any, error) {
		return b.cfg.TrackingSecret, nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}), jwtlib.WithTimeFunc(b.now), jwtlib.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if tracked.Subject != relayState || tracked.ID == "" {
		return nil, errors.New("tracking cookie does not match relay state")
	}
	return &tracked, nil
}

func (b *Bridge) providerFor(ctx context.Context, idpName string) (*crewjam.ServiceProvider, error) {
	idp, err := b.engine.SamlIdentityProvider(ctx, idpName)
	if err != nil {
		return nil, err
	}
	sp, err := b.serviceProviderFor(idp)
	if err != nil {
		b.logger.Warn("saml idp metadata unusable", zap.String("idp", idp.Name), zap.Error(err))
		return nil, goIdP.ErrInvalidSamlResponse
	}
	return sp, nil
}

func (b *Bridge) serviceProviderFor(idp *goIdP.SamlIdP) (*crewjam.ServiceProvider, error) {
	md, err := samlsp.ParseMetadata([]byte(idp.MetadataXML))
	if err != nil {
		return nil, err
	}
	return b.serviceProvider(md), nil
}

func (b *Bridge) internal(msg string, err error, idpName string) error {
	b.logger.Error(msg, zap.String("idp", idpName), zap.Error(err))
	return goIdP.ErrInternal
}

// identityFromAssertion reads the subject and profile attributes configured for
// idp. Attributes match on Name or FriendlyName; the subject falls back to NameID.
func identityFromAssertion(idp *goIdP.SamlIdP, assertion *crewjam.Assertion) goIdP.SamlIdentity {
	attrs := map[string]string{}
	for _, stmt := range assertion.AttributeStatements {
		for _, attr := range stmt.Attributes {
			if len(attr.Values) == 0 {
				continue
			}
			value := strings.TrimSpace(attr.Values[0].Value)
			if attr.Name != "" {
				attrs[attr.Name] = value
			}
			if attr.FriendlyName != "" {
				attrs[attr.FriendlyName] = value
			}
		}
	}

	ident := goIdP.SamlIdentity{
		IdPName:    idp.Name,
		ExternalID: attrs[idp.UserIDAttribute],
		Email:      attrs[idp.EmailAttribute],
		FirstName:  attrs[idp.FirstNameAttribute],
		LastName:   attrs[idp.LastNameAttribute],
		Attributes: attrs,
	}
	if ident.ExternalID == "" && assertion.Subject != nil && assertion.Subject.NameID != nil {
		ident.ExternalID = assertion.Subject.NameID.Value
	}
	return ident
}
