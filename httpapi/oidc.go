package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/middleware"
)

// Cache-Control max-age values for discovery and JWKS.
const (
	DefaultDiscoveryCacheMaxAge = 3600
	DefaultJWKSCacheMaxAge      = 300
)

func writeCacheableJSON(w http.ResponseWriter, maxAge int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_, _ = w.Write(data)
	return nil
}

// DiscoveryHandler handles GET /.well-known/openid-configuration.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, r *http.Request) {
	if err := writeCacheableJSON(w, DefaultDiscoveryCacheMaxAge, h.engine.Discovery()); err != nil {
		h.logger.Error("failed to encode discovery document", zap.Error(err))
		h.writeError(w, r, goIdP.ErrInternal)
	}
}

// JWKSHandler handles GET /.well-known/jwks.json. Both the current and the
// deprecated signing key are published.
func (h *Handler) JWKSHandler(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.engine.Jwks(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := writeCacheableJSON(w, DefaultJWKSCacheMaxAge, jwks); err != nil {
		h.logger.Error("failed to encode JWKS", zap.Error(err))
		h.writeError(w, r, goIdP.ErrInternal)
	}
}

// UserInfoHandler handles GET /userinfo behind the bearer guard.
func (h *Handler) UserInfoHandler(w http.ResponseWriter, r *http.Request) {
	token, _ := middleware.BearerToken(r.Header.Get("Authorization"))
	info, err := h.engine.UserInfo(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// LogoutHandler handles GET and POST /logout. It revokes the refresh token, ends the
// browser session and redirects to a registered post_logout_redirect_uri.
func (h *Handler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, goIdP.ErrInvalidRequest)
		return
	}
	redirect, err := h.engine.Logout(r.Context(), goIdP.LogoutRequest{
		ClientID:              r.Form.Get("client_id"),
		RefreshToken:          r.Form.Get("refresh_token"),
		SessionID:             h.sessionID(r),
		PostLogoutRedirectURI: r.Form.Get("post_logout_redirect_uri"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.clearSessionCookie(w)

	if redirect == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	u, err := url.Parse(redirect)
	if err != nil {
		h.writeError(w, r, goIdP.ErrInvalidPostLogoutRedirect)
		return
	}
	if state := r.Form.Get("state"); state != "" {
		q := u.Query()
		q.Set("state", state)
		u.RawQuery = q.Encode()
	}
	http.Redirect(w, r, u.String(), http.StatusFound)
}
