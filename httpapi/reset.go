package httpapi

import (
	"net/http"
)

type resetBody struct {
	Email            string `json:"email"`
	VerificationCode string `json:"verificationCode"`
	NewPassword      string `json:"newPassword"`
}

// PasswordResetRequestHandler handles POST /password-reset. It answers 202 for any
// well-formed address.
func (h *Handler) PasswordResetRequestHandler(w http.ResponseWriter, r *http.Request) {
	var body resetBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.RequestPasswordReset(r.Context(), body.Email); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// PasswordResetConfirmHandler handles POST /password-reset/confirm.
func (h *Handler) PasswordResetConfirmHandler(w http.ResponseWriter, r *http.Request) {
	var body resetBody
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.engine.ConfirmPasswordReset(r.Context(), body.Email, body.VerificationCode, body.NewPassword); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
