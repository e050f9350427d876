package goIdP

import (
	"context"
	"time"

	"github.com/MrEthical07/goIdP/internal/flows"
	"go.uber.org/zap"
)

// SelectOrg completes the OrgSelect step with one of the user's organizations.
func (e *Engine) SelectOrg(ctx context.Context, token, slug string) (*AuthorizeResult, error) {
	if !e.config.Org.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if rec.OrgDone {
			if rec.Org == slug {
				return errStepDone
			}
			return ErrStepNotAllowed
		}
		step, ok := rec.currentStep()
		if !ok || step.Kind != StepOrgSelect {
			return ErrStepNotAllowed
		}
		if !containsString(rec.User.Orgs, slug) {
			return ErrInvalidOrg
		}
		if _, err := e.store.GetOrgBySlug(ctx, slug); err != nil {
			if isStoreNotFound(err) {
				return ErrInvalidOrg
			}
			return e.internalError("goidp: org lookup failed", err, zap.String("org", slug))
		}

		rec.Org = slug
		rec.OrgDone = true
		e.emitAudit(ctx, auditEventOrgSelected, true, rec.User.ID, rec.Request.ClientID, nil, func() map[string]string {
			return map[string]string{"org": slug}
		})
		return nil
	})
}

// Consent answers the Consent step. Accepting records the granted scopes for the app;
// declining ends the flow.
func (e *Engine) Consent(ctx context.Context, token string, accept bool) (*AuthorizeResult, error) {
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if rec.ConsentDone {
			return errStepDone
		}
		step, ok := rec.currentStep()
		if !ok || step.Kind != StepConsent {
			return ErrStepNotAllowed
		}

		if !accept {
			e.metricInc(MetricConsentDenied)
			e.emitAudit(ctx, auditEventConsentDenied, false, rec.User.ID, rec.Request.ClientID, ErrConsentDenied, nil)
			if err := e.flows.Delete(ctx, token); err != nil {
				e.logger.Warn("goidp: flow delete failed", zap.Error(err))
			}
			return ErrConsentDenied
		}

		scopes := append([]string(nil), rec.Scopes...)
		existing, err := e.store.GetConsent(ctx, rec.User.ID, rec.AppID)
		if err != nil && !isStoreNotFound(err) {
			return e.internalError("goidp: consent lookup failed", err, zap.String("user_id", rec.User.ID))
		}
		if err == nil && existing != nil {
			for _, s := range existing.Scopes {
				if !flows.HasScope(scopes, s) {
					scopes = append(scopes, s)
				}
			}
		}
		if err := e.store.SaveConsent(ctx, &Consent{
			UserID:    rec.User.ID,
			AppID:     rec.AppID,
			Scopes:    scopes,
			GrantedAt: time.Now().UTC(),
		}); err != nil {
			return e.internalError("goidp: consent save failed", err, zap.String("user_id", rec.User.ID))
		}

		rec.ConsentDone = true
		e.metricInc(MetricConsentGranted)
		e.emitAudit(ctx, auditEventConsentGranted, true, rec.User.ID, rec.Request.ClientID, nil, func() map[string]string {
			return map[string]string{"scopes": flows.JoinScopes(rec.Scopes)}
		})
		return nil
	})
}
