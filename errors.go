package goIdP

import (
	"errors"
	"net/http"
)

// ErrorKind is the coarse failure class of an [Error]. Transports map it to a status code.
type ErrorKind uint8

const (
	// KindBadRequest covers malformed input, wrong auth codes and PKCE mismatches.
	KindBadRequest ErrorKind = iota + 1
	// KindUnAuthorized covers bad credentials, signatures and client secrets.
	KindUnAuthorized
	// KindForbidden covers policy blocks, lockouts, disabled features and invalid SAML responses.
	KindForbidden
	// KindNotFound covers unknown resource ids.
	KindNotFound
	// KindInternal covers store and signing failures.
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindUnAuthorized:
		return "UnAuthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	default:
		return "InternalServerError"
	}
}

// HTTPStatus returns the status code for k.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnAuthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error is the single error type crossing the engine boundary. Reason is a stable
// machine-readable string; Err optionally carries the internal cause and is never
// rendered to clients.
type Error struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind and Reason so wrapped copies compare equal to the exported sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Reason == t.Reason
}

func newError(kind ErrorKind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// wrap returns a copy of e carrying cause.
func (e *Error) wrap(cause error) *Error {
	return &Error{Kind: e.Kind, Reason: e.Reason, Err: cause}
}

// KindOf returns the kind of err, or [KindInternal] for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ReasonOf returns the machine reason of err, or "internal_error" for foreign errors.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ErrInternal.Reason
}

var (
	// ErrInvalidRequest is returned for malformed or incomplete input.
	ErrInvalidRequest = newError(KindBadRequest, "invalid_request")
	// ErrUnsupportedResponseType is returned when response_type is not "code".
	ErrUnsupportedResponseType = newError(KindBadRequest, "unsupported_response_type")
	// ErrUnsupportedGrantType is returned by the token endpoint for unknown grants.
	ErrUnsupportedGrantType = newError(KindBadRequest, "unsupported_grant_type")
	// ErrUnsupportedLocale is returned for a locale outside the configured set.
	ErrUnsupportedLocale = newError(KindBadRequest, "unsupported_locale")
	// ErrWrongAuthCode is returned when an authorization code is unknown, expired or used.
	ErrWrongAuthCode = newError(KindBadRequest, "wrong_auth_code")
	// ErrPKCEMismatch is returned when the code verifier does not match the challenge.
	ErrPKCEMismatch = newError(KindBadRequest, "pkce_mismatch")
	// ErrStepNotAllowed is returned when a step payload does not belong to the current step.
	ErrStepNotAllowed = newError(KindBadRequest, "step_not_allowed")
	// ErrInvalidOrg is returned when the selected org is not one of the user's orgs.
	ErrInvalidOrg = newError(KindBadRequest, "invalid_org")
	// ErrInvalidPhone is returned for phone numbers that are not E.164.
	ErrInvalidPhone = newError(KindBadRequest, "invalid_phone")
	// ErrPasswordPolicy is returned when a new password does not satisfy the password policy.
	ErrPasswordPolicy = newError(KindBadRequest, "password_policy")
	// ErrInvalidPostLogoutRedirect is returned for an unregistered post_logout_redirect_uri.
	ErrInvalidPostLogoutRedirect = newError(KindBadRequest, "invalid_post_logout_redirect_uri")

	// ErrWrongClient is returned for an unknown or inactive client id.
	ErrWrongClient = newError(KindUnAuthorized, "wrong_client")
	// ErrWrongClientType is returned when the app type does not fit the flow.
	ErrWrongClientType = newError(KindUnAuthorized, "wrong_client_type")
	// ErrWrongRedirectURI is returned for a redirect URI the app did not register.
	ErrWrongRedirectURI = newError(KindUnAuthorized, "wrong_redirect_uri")
	// ErrInvalidClient is returned when client authentication fails.
	ErrInvalidClient = newError(KindUnAuthorized, "invalid_client")
	// ErrInvalidCredentials is returned for any primary-credential mismatch.
	ErrInvalidCredentials = newError(KindUnAuthorized, "invalid_credentials")
	// ErrInvalidMfaCode is returned for a wrong or expired MFA code.
	ErrInvalidMfaCode = newError(KindUnAuthorized, "invalid_mfa_code")
	// ErrInvalidPasskey is returned when a WebAuthn ceremony fails verification.
	ErrInvalidPasskey = newError(KindUnAuthorized, "invalid_passkey")
	// ErrInvalidResetCode is returned for a wrong or expired password reset code.
	ErrInvalidResetCode = newError(KindUnAuthorized, "invalid_reset_code")
	// ErrInvalidToken is returned when an access, ID or refresh token fails verification.
	ErrInvalidToken = newError(KindUnAuthorized, "invalid_token")
	// ErrRefreshRevoked is returned for a refresh token that was logged out.
	ErrRefreshRevoked = newError(KindUnAuthorized, "refresh_revoked")
	// ErrNoSession is returned when a browser session is missing or expired.
	ErrNoSession = newError(KindUnAuthorized, "no_session")

	// ErrFlowExpired is the hard stop of the flow: the continuation record is gone.
	ErrFlowExpired = newError(KindForbidden, "wrong_auth_code")
	// ErrFlowConflict is returned when a concurrent step advanced the same flow first.
	ErrFlowConflict = newError(KindForbidden, "flow_conflict")
	// ErrClientMismatch is returned when a token or code is presented by another client.
	ErrClientMismatch = newError(KindForbidden, "client_mismatch")
	// ErrAccountLocked is returned while the sign-in lockout counter is at its threshold.
	ErrAccountLocked = newError(KindForbidden, "account_locked")
	// ErrAccountDisabled is returned for inactive users.
	ErrAccountDisabled = newError(KindForbidden, "account_disabled")
	// ErrMfaLocked is returned while an MFA failure counter is at its threshold.
	ErrMfaLocked = newError(KindForbidden, "mfa_locked")
	// ErrSendLimit is returned when an email or SMS send cap is reached.
	ErrSendLimit = newError(KindForbidden, "send_limit_reached")
	// ErrResetLocked is returned while password reset requests or attempts are capped.
	ErrResetLocked = newError(KindForbidden, "password_reset_locked")
	// ErrPasskeyReplay is returned when a passkey signature counter did not increase.
	ErrPasskeyReplay = newError(KindForbidden, "passkey_replay")
	// ErrConsentDenied is returned when the user declines consent.
	ErrConsentDenied = newError(KindForbidden, "consent_denied")
	// ErrFeatureDisabled is returned when a configured feature switch is off.
	ErrFeatureDisabled = newError(KindForbidden, "feature_disabled")
	// ErrPolicyBlocked is returned when a flow is blocked by configuration.
	ErrPolicyBlocked = newError(KindForbidden, "policy_blocked")
	// ErrInvalidSamlResponse is returned for invalid assertions and unknown IdPs.
	ErrInvalidSamlResponse = newError(KindForbidden, "invalid_saml_response")
	// ErrOriginNotAllowed is returned for embedded calls from an unlisted origin.
	ErrOriginNotAllowed = newError(KindForbidden, "origin_not_allowed")

	// ErrUserNotFound is returned by policy operations for unknown user ids.
	ErrUserNotFound = newError(KindNotFound, "user_not_found")

	// ErrInternal is the only shape raw backend failures take at the boundary.
	ErrInternal = newError(KindInternal, "internal_error")
	// ErrDeliveryFailed is returned when the email or SMS collaborator reports failure.
	ErrDeliveryFailed = newError(KindInternal, "delivery_failed")
	// ErrKeyConflict is returned when a key rotation raced another rotation.
	ErrKeyConflict = newError(KindInternal, "key_conflict")
	// ErrEngineNotReady is returned by a nil or partially built engine.
	ErrEngineNotReady = newError(KindInternal, "engine_not_ready")
)
