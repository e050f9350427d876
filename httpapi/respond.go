package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/MrEthical07/goIdP"
)

const maxBodyBytes = 64 << 10

// errorBody is the JSON error shape of every endpoint.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err with the status of its kind. Causes of internal errors are
// logged and never rendered.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := goIdP.KindOf(err)
	reason := goIdP.ReasonOf(err)
	if kind == goIdP.KindInternal {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
	if errors.Is(err, goIdP.ErrInvalidClient) {
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
	}
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: reason, ErrorDescription: describe(reason)})
}

func describe(reason string) string {
	return strings.ReplaceAll(reason, "_", " ")
}

// decodeJSON reads a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return goIdP.ErrInvalidRequest
		}
		return &goIdP.Error{Kind: goIdP.KindBadRequest, Reason: goIdP.ErrInvalidRequest.Reason, Err: err}
	}
	return nil
}

// flowResponse is what step endpoints return. While steps remain, Code is the flow
// token and NextPage names the step. Once a browser flow is done, Code is the
// authorization code and RedirectURI says where to send it.
type flowResponse struct {
	Code         string       `json:"code,omitempty"`
	NextPage     string       `json:"nextPage,omitempty"`
	Step         *goIdP.Step  `json:"step,omitempty"`
	Remaining    []goIdP.Step `json:"remaining,omitempty"`
	State        string       `json:"state,omitempty"`
	RedirectURI  string       `json:"redirectUri,omitempty"`
	Scopes       []string     `json:"scopes,omitempty"`
	Completed    bool         `json:"completed,omitempty"`
	Otp          *otpSetup    `json:"otp,omitempty"`
	// SessionID replaces Code for embedded flows.
	SessionID    string       `json:"sessionId,omitempty"`
	RecoveryCode string       `json:"recoveryCode,omitempty"`
}

type otpSetup struct {
	Secret string `json:"secret"`
	URI    string `json:"uri"`
}

func newFlowResponse(res *goIdP.AuthorizeResult) flowResponse {
	out := flowResponse{Completed: res.Completed}
	switch {
	case res.Issued != nil:
		out.Code = res.Issued.Code
		out.State = res.Issued.State
		out.RedirectURI = res.Issued.RedirectURI
		out.Scopes = res.Issued.Scopes
		out.Completed = true
	case res.NextStep != nil:
		out.Code = res.Token
		out.NextPage = string(res.NextStep.Kind)
		out.Step = res.NextStep
		out.Remaining = res.Remaining
	default:
		out.Code = res.Token
	}
	if res.Otp != nil {
		out.Otp = &otpSetup{Secret: res.Otp.Secret, URI: res.Otp.URI}
	}
	return out
}

// writeFlow renders res and, for completed browser flows, sets the session cookie.
func (h *Handler) writeFlow(w http.ResponseWriter, res *goIdP.AuthorizeResult) {
	h.writeFlowResponse(w, res, newFlowResponse(res))
}

func (h *Handler) writeFlowResponse(w http.ResponseWriter, res *goIdP.AuthorizeResult, out flowResponse) {
	if res.Issued != nil && res.Issued.SessionID != "" {
		h.setSessionCookie(w, res.Issued.SessionID)
	}
	writeJSON(w, http.StatusOK, out)
}

// embeddedFlowResponse renders res for the embedded API, which names the flow by its
// session id and never sees an authorization code.
func embeddedFlowResponse(sessionID string, res *goIdP.AuthorizeResult) flowResponse {
	out := newFlowResponse(res)
	out.Code = ""
	out.SessionID = sessionID
	return out
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(h.sessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) sessionID(r *http.Request) string {
	c, err := r.Cookie(h.sessionCookie)
	if err != nil {
		return ""
	}
	return c.Value
}
