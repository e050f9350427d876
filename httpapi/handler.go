package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
	"github.com/MrEthical07/goIdP/saml"
)

// EmbeddedPrefix is the mount point of the embedded API.
const EmbeddedPrefix = "/embedded-auth/v1"

// DefaultSessionCookie names the browser session cookie.
const DefaultSessionCookie = "goidp_session"

// Handler serves the identity provider endpoints.
type Handler struct {
	engine        *goIdP.Engine
	logger        *zap.Logger
	throttle      *middleware.Throttle
	trustProxy    bool
	signInPage    string
	sessionCookie string
	secureCookies bool
	sessionTTL    time.Duration
	saml          *saml.Bridge
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger used for internal failures.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithThrottle puts t in front of the flow, token and embedded endpoints.
func WithThrottle(t *middleware.Throttle) Option {
	return func(h *Handler) { h.throttle = t }
}

// WithTrustProxy makes X-Forwarded-For authoritative for the client IP.
func WithTrustProxy(trust bool) Option {
	return func(h *Handler) { h.trustProxy = trust }
}

// WithSignInPage redirects validated GET /authorize requests to the hosted sign-in
// UI at url, carrying the original query. Without it the app info is returned as JSON.
func WithSignInPage(url string) Option {
	return func(h *Handler) { h.signInPage = url }
}

// WithSessionCookie overrides the browser session cookie name and Secure flag.
func WithSessionCookie(name string, secure bool) Option {
	return func(h *Handler) {
		if name != "" {
			h.sessionCookie = name
		}
		h.secureCookies = secure
	}
}

// WithSAML mounts the SAML bridge under /saml.
func WithSAML(b *saml.Bridge) Option {
	return func(h *Handler) { h.saml = b }
}

// NewHandler creates a Handler for engine.
func NewHandler(engine *goIdP.Engine, opts ...Option) *Handler {
	h := &Handler{
		engine:        engine,
		logger:        zap.NewNop(),
		sessionCookie: DefaultSessionCookie,
		secureCookies: true,
		sessionTTL:    engine.Config().Session.BrowserSessionTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns a router with every endpoint registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestContext(h.trustProxy))

	h.WellKnownRoutes(r)
	r.Group(func(r chi.Router) {
		r.Use(h.throttled)
		h.OAuthRoutes(r)
		h.StepRoutes(r)
		if h.saml != nil {
			h.SAMLRoutes(r)
		}
	})
	r.Route(EmbeddedPrefix, h.EmbeddedRoutes)
	return r
}

// OAuthRoutes registers authorize, token, userinfo, logout and password reset.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get(goIdP.PathAuthorize, h.AuthorizeHandler)
	r.Post(goIdP.PathToken, h.TokenHandler)
	r.With(middleware.Guard(h.engine, "openid")).Get(goIdP.PathUserInfo, h.UserInfoHandler)
	r.Get(goIdP.PathLogout, h.LogoutHandler)
	r.Post(goIdP.PathLogout, h.LogoutHandler)
	r.Post("/password-reset", h.PasswordResetRequestHandler)
	r.Post("/password-reset/confirm", h.PasswordResetConfirmHandler)
}

// StepRoutes registers the hosted flow endpoints: primary credentials under
// /authorize-{method} and the remaining steps under /authorize-{step}.
func (h *Handler) StepRoutes(r chi.Router) {
	r.Post("/authorize-password", h.PasswordSignInHandler)
	r.Post("/authorize-passwordless-code", h.PasswordlessCodeHandler)
	r.Post("/authorize-passwordless", h.PasswordlessSignInHandler)
	r.Post("/authorize-recovery-code", h.RecoveryCodeSignInHandler)
	for _, s := range h.steps() {
		r.Post("/authorize-"+s.path, s.handler)
	}
}

// WellKnownRoutes registers discovery and JWKS.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get(goIdP.PathDiscovery, h.DiscoveryHandler)
	r.Get(goIdP.PathJwks, h.JWKSHandler)
}

// EmbeddedRoutes registers the origin-restricted embedded API. Step endpoints are
// shared with the hosted flow and take the session id in place of the flow token.
func (h *Handler) EmbeddedRoutes(r chi.Router) {
	r.Use(middleware.EmbeddedCORS(h.engine.OriginAllowed))
	r.Use(h.throttled)
	r.Post("/initiate", h.EmbeddedInitiateHandler)
	r.Post("/sign-in", h.EmbeddedSignInHandler)
	r.Post("/token-exchange", h.EmbeddedTokenExchangeHandler)
	r.Post("/token-refresh", h.EmbeddedTokenRefreshHandler)
	for _, s := range h.steps() {
		r.Post("/"+s.path, s.handler)
	}
}

func (h *Handler) throttled(next http.Handler) http.Handler {
	if h.throttle == nil {
		return next
	}
	return h.throttle.Handler(next)
}
