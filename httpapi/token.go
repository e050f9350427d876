package httpapi

import (
	"net/http"
	"net/url"

	"github.com/MrEthical07/goIdP"
)

// clientAuth returns the client id and secret from HTTP Basic auth or the form.
// Basic credentials are form-urlencoded per RFC 6749 section 2.3.1.
func clientAuth(r *http.Request) (clientID, secret string, err error) {
	formID := r.PostForm.Get("client_id")
	if user, pass, ok := r.BasicAuth(); ok {
		if clientID, err = url.QueryUnescape(user); err != nil {
			return "", "", goIdP.ErrInvalidClient
		}
		if secret, err = url.QueryUnescape(pass); err != nil {
			return "", "", goIdP.ErrInvalidClient
		}
		if formID != "" && formID != clientID {
			return "", "", goIdP.ErrInvalidRequest
		}
		return clientID, secret, nil
	}
	return formID, r.PostForm.Get("client_secret"), nil
}

// TokenHandler handles POST /token for the authorization_code, refresh_token and
// client_credentials grants.
func (h *Handler) TokenHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		h.writeError(w, r, goIdP.ErrInvalidRequest)
		return
	}
	clientID, secret, err := clientAuth(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var resp *goIdP.TokenResponse
	switch grant := r.PostForm.Get("grant_type"); grant {
	case goIdP.GrantAuthorizationCode:
		resp, err = h.engine.ExchangeAuthCode(ctx, goIdP.CodeExchange{
			ClientID:     clientID,
			Code:         r.PostForm.Get("code"),
			RedirectURI:  r.PostForm.Get("redirect_uri"),
			CodeVerifier: r.PostForm.Get("code_verifier"),
		})
	case goIdP.GrantRefreshToken:
		resp, err = h.engine.Refresh(ctx, clientID, r.PostForm.Get("refresh_token"))
	case goIdP.GrantClientCredentials:
		resp, err = h.engine.ClientCredentials(ctx, clientID, secret, r.PostForm.Get("scope"))
	case "":
		err = goIdP.ErrInvalidRequest
	default:
		err = goIdP.ErrUnsupportedGrantType
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
