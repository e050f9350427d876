package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/MrEthical07/goIdP"
)

// stepBody carries the payload of every step endpoint. Hosted flows name the flow
// with Code; embedded flows with SessionID.
type stepBody struct {
	Code             string          `json:"code"`
	SessionID        string          `json:"sessionId"`
	Factor           string          `json:"factor"`
	VerificationCode string          `json:"verificationCode"`
	Phone            string          `json:"phone"`
	Org              string          `json:"org"`
	Accept           bool            `json:"accept"`
	Credential       json.RawMessage `json:"credential"`
}

func (b stepBody) token() string {
	if b.SessionID != "" {
		return b.SessionID
	}
	return b.Code
}

type stepRoute struct {
	path    string
	handler http.HandlerFunc
}

func (h *Handler) steps() []stepRoute {
	e := h.engine
	return []stepRoute{
		{"mfa-enroll", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.SelectMfaEnrollment(ctx, b.token(), goIdP.MfaFactor(b.Factor))
		})},
		{"otp-mfa", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.VerifyOtpMfa(ctx, b.token(), b.VerificationCode)
		})},
		{"email-mfa-code", h.sendStep(func(ctx context.Context, b stepBody) error {
			return e.SendEmailMfaCode(ctx, b.token())
		})},
		{"email-mfa", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.VerifyEmailMfa(ctx, b.token(), b.VerificationCode)
		})},
		{"sms-mfa-setup", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.SetupSmsMfa(ctx, b.token(), b.Phone)
		})},
		{"sms-mfa-code", h.sendStep(func(ctx context.Context, b stepBody) error {
			return e.SendSmsMfaCode(ctx, b.token())
		})},
		{"sms-mfa", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.VerifySmsMfa(ctx, b.token(), b.VerificationCode)
		})},
		{"passkey-enroll-options", h.optionsStep(e.BeginPasskeyEnroll)},
		{"passkey-enroll", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.FinishPasskeyEnroll(ctx, b.token(), b.Credential)
		})},
		{"passkey-verify-options", h.optionsStep(e.BeginPasskeyVerify)},
		{"passkey-verify", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.FinishPasskeyVerify(ctx, b.token(), b.Credential)
		})},
		{"recovery-code-enroll", h.RecoveryCodeEnrollHandler},
		{"recovery-code-ack", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.AcknowledgeRecoveryCode(ctx, b.token())
		})},
		{"org", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.SelectOrg(ctx, b.token(), b.Org)
		})},
		{"consent", h.flowStep(func(ctx context.Context, b stepBody) (*goIdP.AuthorizeResult, error) {
			return e.Consent(ctx, b.token(), b.Accept)
		})},
	}
}

func (h *Handler) flowStep(op func(context.Context, stepBody) (*goIdP.AuthorizeResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body stepBody
		if err := decodeJSON(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		res, err := op(r.Context(), body)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if body.SessionID != "" {
			writeJSON(w, http.StatusOK, embeddedFlowResponse(body.SessionID, res))
			return
		}
		h.writeFlow(w, res)
	}
}

func (h *Handler) sendStep(op func(context.Context, stepBody) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body stepBody
		if err := decodeJSON(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := op(r.Context(), body); err != nil {
			h.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// optionsStep returns WebAuthn ceremony options verbatim.
func (h *Handler) optionsStep(begin func(ctx context.Context, token string) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body stepBody
		if err := decodeJSON(r, &body); err != nil {
			h.writeError(w, r, err)
			return
		}
		options, err := begin(r.Context(), body.token())
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, json.RawMessage(options))
	}
}

// RecoveryCodeEnrollHandler reveals a fresh recovery code. The step completes only
// once the user acknowledges it.
func (h *Handler) RecoveryCodeEnrollHandler(w http.ResponseWriter, r *http.Request) {
	var body stepBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	code, res, err := h.engine.BeginRecoveryCodeEnroll(r.Context(), body.token())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := newFlowResponse(res)
	if body.SessionID != "" {
		out = embeddedFlowResponse(body.SessionID, res)
	}
	out.RecoveryCode = code
	writeJSON(w, http.StatusOK, out)
}
