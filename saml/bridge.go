package saml

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/xml"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	crewjam "github.com/crewjam/saml"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
)

// Paths served by the bridge, relative to Config.BaseURL.
const (
	PathSPMetadata  = "/saml/sp/metadata"
	PathSPLogin     = "/saml/sp/login"
	PathACS         = "/saml/sp/acs"
	PathIdPMetadata = "/saml/idp/metadata"
	PathSSO         = "/saml/idp/sso"
)

const defaultTrackingTTL = 10 * time.Minute

// Engine is the subset of goIdP.Engine the bridge needs.
type Engine interface {
	ValidateAuthorizeRequest(ctx context.Context, req goIdP.AuthorizeRequest) (*goIdP.AppInfo, error)
	SamlIdentityProvider(ctx context.Context, name string) (*goIdP.SamlIdP, error)
	SamlServiceProvider(ctx context.Context, entityID string) (*goIdP.SamlSP, error)
	ReportSamlFailure(ctx context.Context, idpName string, cause error)
	SessionUser(ctx context.Context, sessionID string) (*goIdP.User, time.Time, error)
}

// Config configures a Bridge.
type Config struct {
	// BaseURL is the public origin the bridge paths are served under.
	BaseURL     string
	Key         *rsa.PrivateKey
	Certificate *x509.Certificate
	// TrackingSecret signs the cookies that carry an AuthnRequest to the ACS.
	TrackingSecret []byte
	TrackingTTL    time.Duration
	// SessionCookie names the browser session cookie used for IdP single sign-on.
	SessionCookie string
	SecureCookies bool
	// SessionLifetime bounds the assertions issued to downstream service providers.
	SessionLifetime time.Duration
}

// Bridge serves both SAML roles.
type Bridge struct {
	engine Engine
	cfg    Config
	logger *zap.Logger

	spMetadataURL url.URL
	acsURL        url.URL
	idp           *crewjam.IdentityProvider
	now           func() time.Time
}

// New validates cfg and returns a Bridge.
func New(engine Engine, cfg Config, logger *zap.Logger) (*Bridge, error) {
	if engine == nil {
		return nil, errors.New("saml: engine is required")
	}
	if cfg.Key == nil || cfg.Certificate == nil {
		return nil, errors.New("saml: key and certificate are required")
	}
	if len(cfg.TrackingSecret) < 32 {
		return nil, errors.New("saml: tracking secret must be at least 32 bytes")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, errors.New("saml: base URL must be absolute")
	}
	if cfg.TrackingTTL <= 0 {
		cfg.TrackingTTL = defaultTrackingTTL
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = "goidp_session"
	}
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Bridge{
		engine:        engine,
		cfg:           cfg,
		logger:        logger,
		spMetadataURL: *base.JoinPath(PathSPMetadata),
		acsURL:        *base.JoinPath(PathACS),
		now:           time.Now,
	}
	b.idp = &crewjam.IdentityProvider{
		Key:                     cfg.Key,
		Certificate:             cfg.Certificate,
		Logger:                  zap.NewStdLog(logger.Named("saml_idp")),
		MetadataURL:             *base.JoinPath(PathIdPMetadata),
		SSOURL:                  *base.JoinPath(PathSSO),
		ServiceProviderProvider: serviceProviders{b},
		SessionProvider:         sessions{b},
	}
	return b, nil
}

// serviceProvider builds the SP side for one registered IdP. With a nil idp it
// describes the bridge alone, which is all metadata needs.
func (b *Bridge) serviceProvider(idp *crewjam.EntityDescriptor) *crewjam.ServiceProvider {
	return &crewjam.ServiceProvider{
		EntityID:    b.spMetadataURL.String(),
		Key:         b.cfg.Key,
		Certificate: b.cfg.Certificate,
		MetadataURL: b.spMetadataURL,
		AcsURL:      b.acsURL,
		IDPMetadata: idp,
	}
}

// SPMetadata returns the service provider metadata external IdPs register.
func (b *Bridge) SPMetadata() *crewjam.EntityDescriptor {
	return b.serviceProvider(nil).Metadata()
}

// IdPMetadata returns the identity provider metadata downstream SPs register.
func (b *Bridge) IdPMetadata() *crewjam.EntityDescriptor {
	return b.idp.Metadata()
}

// ServeSPMetadata handles GET /saml/sp/metadata.
func (b *Bridge) ServeSPMetadata(w http.ResponseWriter, _ *http.Request) {
	b.writeMetadata(w, b.SPMetadata())
}

// ServeIdPMetadata handles GET /saml/idp/metadata.
func (b *Bridge) ServeIdPMetadata(w http.ResponseWriter, _ *http.Request) {
	b.writeMetadata(w, b.IdPMetadata())
}

func (b *Bridge) writeMetadata(w http.ResponseWriter, md *crewjam.EntityDescriptor) {
	buf, err := xml.MarshalIndent(md, "", "  ")
	if err != nil {
		b.logger.Error("saml metadata encode failed", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/samlmetadata+xml")
	_, _ = w.Write(buf)
}

// ServeSSO handles the IdP single sign-on endpoint for both bindings.
func (b *Bridge) ServeSSO(w http.ResponseWriter, r *http.Request) {
	b.idp.ServeSSO(w, r)
}
