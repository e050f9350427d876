package httpapi

import (
	"net/http"

	"github.com/MrEthical07/goIdP"
)

type embeddedSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// EmbeddedInitiateHandler opens an embedded flow from the authorize parameters in the
// body. redirect_uri and response_type are optional here.
func (h *Handler) EmbeddedInitiateHandler(w http.ResponseWriter, r *http.Request) {
	var req goIdP.AuthorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.SessionID = ""
	sessionID, err := h.engine.EmbeddedInitiate(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embeddedSessionResponse{SessionID: sessionID})
}

// Sign-in methods accepted by the embedded API.
const (
	MethodPassword     = "password"
	MethodPasswordless = "passwordless"
	MethodRecoveryCode = "recovery_code"
)

type embeddedSignInBody struct {
	SessionID        string `json:"sessionId"`
	Method           string `json:"method"`
	Email            string `json:"email"`
	Password         string `json:"password"`
	VerificationCode string `json:"verificationCode"`
	RecoveryCode     string `json:"recoveryCode"`
}

func (b embeddedSignInBody) credential() (goIdP.Credential, error) {
	switch b.Method {
	case MethodPassword, "":
		return goIdP.PasswordCredential{Email: b.Email, Password: b.Password}, nil
	case MethodPasswordless:
		return goIdP.PasswordlessCredential{Email: b.Email, Code: b.VerificationCode}, nil
	case MethodRecoveryCode:
		return goIdP.RecoveryCodeCredential{Email: b.Email, Code: b.RecoveryCode}, nil
	default:
		return nil, goIdP.ErrInvalidRequest
	}
}

// EmbeddedSignInHandler authenticates a credential into an embedded flow.
func (h *Handler) EmbeddedSignInHandler(w http.ResponseWriter, r *http.Request) {
	var body embeddedSignInBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	cred, err := body.credential()
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.engine.EmbeddedSignIn(r.Context(), body.SessionID, cred)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, embeddedFlowResponse(body.SessionID, res))
}

type embeddedExchangeBody struct {
	SessionID    string `json:"sessionId"`
	CodeVerifier string `json:"codeVerifier"`
}

// EmbeddedTokenExchangeHandler trades a completed embedded flow for tokens.
func (h *Handler) EmbeddedTokenExchangeHandler(w http.ResponseWriter, r *http.Request) {
	var body embeddedExchangeBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.engine.EmbeddedTokenExchange(r.Context(), body.SessionID, body.CodeVerifier)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type embeddedRefreshBody struct {
	ClientID     string `json:"clientId"`
	RefreshToken string `json:"refreshToken"`
}

func (h *Handler) EmbeddedTokenRefreshHandler(w http.ResponseWriter, r *http.Request) {
	var body embeddedRefreshBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	resp, err := h.engine.EmbeddedTokenRefresh(r.Context(), body.ClientID, body.RefreshToken)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
