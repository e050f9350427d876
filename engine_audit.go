package goIdP

import (
	"context"
)

const (
	auditEventAuthorizeStarted     = "authorize_started"
	auditEventAuthorizeCompleted   = "authorize_completed"
	auditEventSignInSuccess        = "sign_in_success"
	auditEventSignInFailure        = "sign_in_failure"
	auditEventAccountLocked        = "account_locked"
	auditEventMfaEnrollSelected    = "mfa_enroll_selected"
	auditEventMfaEnrolled          = "mfa_enrolled"
	auditEventMfaSuccess           = "mfa_success"
	auditEventMfaFailure           = "mfa_failure"
	auditEventMfaLocked            = "mfa_locked"
	auditEventEmailMfaSent         = "email_mfa_sent"
	auditEventSmsSent              = "sms_sent"
	auditEventPasswordlessSent     = "passwordless_code_sent"
	auditEventRecoveryCodeIssued   = "recovery_code_issued"
	auditEventRecoveryCodeUsed     = "recovery_code_used"
	auditEventOrgSelected          = "org_selected"
	auditEventConsentGranted       = "consent_granted"
	auditEventConsentDenied        = "consent_denied"
	auditEventFlowConflict         = "flow_conflict"
	auditEventCodeExchange         = "code_exchange"
	auditEventRefresh              = "refresh"
	auditEventClientCredentials    = "client_credentials"
	auditEventLogout               = "logout"
	auditEventKeyRotated           = "key_rotated"
	auditEventKeyPurged            = "key_purged"
	auditEventRateLimitTriggered   = "rate_limit_triggered"
	auditEventPasswordResetRequest = "password_reset_request"
	auditEventPasswordResetConfirm = "password_reset_confirm"
	auditEventSamlSignIn           = "saml_sign_in"
	auditEventUserProvisioned      = "user_provisioned"
	auditEventOriginRejected       = "origin_rejected"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	clientID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	req := RequestInfoFromContext(ctx)
	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if ua := req.UserAgent; ua != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["user_agent"] = ua
	}

	event := AuditEvent{
		EventType: eventType,
		UserID:    userID,
		ClientID:  clientID,
		IP:        req.ClientIP,
		Origin:    req.Origin,
		Success:   success,
		Metadata:  metadata,
	}
	if err != nil {
		event.Error = ReasonOf(err)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope, userID, clientID string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, userID, clientID, nil, func() map[string]string {
		return map[string]string{"scope": scope}
	})
}
