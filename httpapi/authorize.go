package httpapi

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/MrEthical07/goIdP"
)

func authorizeRequestFromQuery(q url.Values) goIdP.AuthorizeRequest {
	return goIdP.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Nonce:               q.Get("nonce"),
		Locale:              q.Get("locale"),
		Org:                 q.Get("org"),
		Policy:              q.Get("policy"),
	}
}

// codeRedirect appends the authorization code and state to the client redirect URI.
func codeRedirect(issued *goIdP.IssuedCode) (string, error) {
	u, err := url.Parse(issued.RedirectURI)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("code", issued.Code)
	if issued.State != "" {
		q.Set("state", issued.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// AuthorizeHandler handles GET /authorize. A live browser session resumes the flow
// without credentials; otherwise the validated request is handed to the sign-in UI.
func (h *Handler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := authorizeRequestFromQuery(r.URL.Query())

	if sessionID := h.sessionID(r); sessionID != "" && h.sessionTTL > 0 {
		req.SessionID = sessionID
		res, err := h.engine.InitiateFromSession(ctx, req)
		switch {
		case err == nil && res.Issued != nil:
			h.redirectIssued(w, r, res)
			return
		case err == nil:
			h.toSignInPage(w, r, newFlowResponse(res))
			return
		case !errors.Is(err, goIdP.ErrNoSession):
			h.writeError(w, r, err)
			return
		}
		h.clearSessionCookie(w)
	}

	info, err := h.engine.ValidateAuthorizeRequest(ctx, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if h.signInPage != "" {
		http.Redirect(w, r, h.signInPage+"?"+r.URL.RawQuery, http.StatusFound)
		return
	}
	writeJSON(w, http.StatusOK, appInfoResponse{
		ClientID: info.ClientID,
		Name:     info.Name,
		Scopes:   info.Scopes,
		Locale:   info.Locale,
	})
}

type appInfoResponse struct {
	ClientID string   `json:"clientId"`
	Name     string   `json:"name,omitempty"`
	Scopes   []string `json:"scopes"`
	Locale   string   `json:"locale,omitempty"`
}

func (h *Handler) redirectIssued(w http.ResponseWriter, r *http.Request, res *goIdP.AuthorizeResult) {
	target, err := codeRedirect(res.Issued)
	if err != nil {
		h.writeError(w, r, goIdP.ErrWrongRedirectURI)
		return
	}
	if res.Issued.SessionID != "" {
		h.setSessionCookie(w, res.Issued.SessionID)
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// toSignInPage sends a resumed flow that still has steps to the sign-in UI, or
// renders it when no UI is configured.
func (h *Handler) toSignInPage(w http.ResponseWriter, r *http.Request, out flowResponse) {
	if h.signInPage == "" {
		writeJSON(w, http.StatusOK, out)
		return
	}
	q := r.URL.Query()
	q.Set("code", out.Code)
	q.Set("nextPage", out.NextPage)
	http.Redirect(w, r, h.signInPage+"?"+q.Encode(), http.StatusFound)
}

type passwordBody struct {
	goIdP.AuthorizeRequest
	Email    string `json:"email"`
	Password string `json:"password"`
}

// PasswordSignInHandler handles POST /authorize-password.
func (h *Handler) PasswordSignInHandler(w http.ResponseWriter, r *http.Request) {
	var body passwordBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.initiate(w, r, body.AuthorizeRequest, goIdP.PasswordCredential{Email: body.Email, Password: body.Password})
}

type emailCodeBody struct {
	goIdP.AuthorizeRequest
	Email            string `json:"email"`
	VerificationCode string `json:"verificationCode"`
}

// PasswordlessCodeHandler handles POST /authorize-passwordless-code. It answers 204
// whether or not the address has an account.
func (h *Handler) PasswordlessCodeHandler(w http.ResponseWriter, r *http.Request) {
	var body emailCodeBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.SendPasswordlessCode(r.Context(), body.AuthorizeRequest, body.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PasswordlessSignInHandler handles POST /authorize-passwordless.
func (h *Handler) PasswordlessSignInHandler(w http.ResponseWriter, r *http.Request) {
	var body emailCodeBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.initiate(w, r, body.AuthorizeRequest, goIdP.PasswordlessCredential{Email: body.Email, Code: body.VerificationCode})
}

type recoveryBody struct {
	goIdP.AuthorizeRequest
	Email        string `json:"email"`
	RecoveryCode string `json:"recoveryCode"`
}

// RecoveryCodeSignInHandler handles POST /authorize-recovery-code.
func (h *Handler) RecoveryCodeSignInHandler(w http.ResponseWriter, r *http.Request) {
	var body recoveryBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.initiate(w, r, body.AuthorizeRequest, goIdP.RecoveryCodeCredential{Email: body.Email, Code: body.RecoveryCode})
}

func (h *Handler) initiate(w http.ResponseWriter, r *http.Request, req goIdP.AuthorizeRequest, cred goIdP.Credential) {
	req.SessionID = h.sessionID(r)
	res, err := h.engine.Initiate(r.Context(), req, cred)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeFlow(w, res)
}
