package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MrEthical07/goIdP/saml"
)

// Signed SAML responses routinely exceed the JSON body limit.
const maxSAMLBodyBytes = 512 << 10

// SAMLRoutes registers both sides of the SAML bridge.
func (h *Handler) SAMLRoutes(r chi.Router) {
	r.Get(saml.PathSPMetadata, h.saml.ServeSPMetadata)
	r.Get(saml.PathSPLogin+"/{idp}", h.SAMLLoginHandler)
	r.Post(saml.PathACS, h.SAMLAssertionHandler)
	r.Get(saml.PathIdPMetadata, h.saml.ServeIdPMetadata)
	r.Get(saml.PathSSO, h.saml.ServeSSO)
	r.Post(saml.PathSSO, h.saml.ServeSSO)
}

// SAMLLoginHandler handles GET /saml/sp/login/{idp}. It takes the authorize
// parameters in the query and redirects the browser to the external IdP.
func (h *Handler) SAMLLoginHandler(w http.ResponseWriter, r *http.Request) {
	req := authorizeRequestFromQuery(r.URL.Query())
	target, cookie, err := h.saml.BeginLogin(r.Context(), chi.URLParam(r, "idp"), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	http.SetCookie(w, cookie)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// SAMLAssertionHandler handles POST /saml/sp/acs and resumes the OAuth flow with
// the asserted identity.
func (h *Handler) SAMLAssertionHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSAMLBodyBytes)
	req, ident, err := h.saml.CompleteLogin(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	req.SessionID = h.sessionID(r)
	res, err := h.engine.Initiate(r.Context(), req, ident)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if res.Issued != nil {
		h.redirectIssued(w, r, res)
		return
	}
	h.toSignInPage(w, r, newFlowResponse(res))
}
