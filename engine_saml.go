package goIdP

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SamlIdentityProvider returns the active external IdP registered under name.
func (e *Engine) SamlIdentityProvider(ctx context.Context, name string) (*SamlIdP, error) {
	idp, err := e.store.GetSamlIdP(ctx, name)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidSamlResponse
		}
		return nil, e.internalError("goidp: saml idp lookup failed", err, zap.String("idp", name))
	}
	if !idp.IsActive {
		return nil, ErrInvalidSamlResponse
	}
	return idp, nil
}

// SamlServiceProvider returns the active downstream SP registered under entityID.
func (e *Engine) SamlServiceProvider(ctx context.Context, entityID string) (*SamlSP, error) {
	sp, err := e.store.GetSamlSP(ctx, entityID)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidSamlResponse
		}
		return nil, e.internalError("goidp: saml sp lookup failed", err, zap.String("entity_id", entityID))
	}
	if !sp.IsActive {
		return nil, ErrInvalidSamlResponse
	}
	return sp, nil
}

// ReportSamlFailure records an assertion rejected before it reached the engine, such
// as a bad signature or an expired response.
func (e *Engine) ReportSamlFailure(ctx context.Context, idpName string, cause error) {
	e.metricInc(MetricSamlFailure)
	e.emitAudit(ctx, auditEventSamlSignIn, false, "", "", ErrInvalidSamlResponse, func() map[string]string {
		meta := map[string]string{"idp": idpName}
		if cause != nil {
			meta["cause"] = cause.Error()
		}
		return meta
	})
}

// SessionUser resolves a browser session id to its user. It backs IdP-initiated
// single sign-on for downstream SAML service providers.
func (e *Engine) SessionUser(ctx context.Context, sessionID string) (*User, time.Time, error) {
	if sessionID == "" || e.config.Session.BrowserSessionTTL <= 0 {
		return nil, time.Time{}, ErrNoSession
	}
	data, err := e.browserSessions.Get(ctx, sessionID)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, time.Time{}, ErrNoSession
		}
		return nil, time.Time{}, e.internalError("goidp: browser session lookup failed", err)
	}
	var session browserSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, time.Time{}, ErrNoSession
	}
	user, err := e.loadUser(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, time.Time{}, ErrNoSession
		}
		return nil, time.Time{}, err
	}
	if !user.IsActive {
		return nil, time.Time{}, ErrAccountDisabled
	}
	return user, session.AuthTime, nil
}

// provisionSamlUser maps an assertion onto a user: by linked account first, then by
// email, creating the user when neither matches.
func (e *Engine) provisionSamlUser(ctx context.Context, app *App, ident SamlIdentity) (*User, error) {
	user, created, err := e.findOrCreateSamlUser(ctx, ident)
	if err != nil {
		e.metricInc(MetricSamlFailure)
		e.emitAudit(ctx, auditEventSamlSignIn, false, "", app.ClientID, err, func() map[string]string {
			return map[string]string{"idp": ident.IdPName}
		})
		return nil, err
	}

	if created {
		e.emitAudit(ctx, auditEventUserProvisioned, true, user.ID, app.ClientID, nil, func() map[string]string {
			return map[string]string{"idp": ident.IdPName}
		})
	}
	e.metricInc(MetricSamlSuccess)
	e.emitAudit(ctx, auditEventSamlSignIn, true, user.ID, app.ClientID, nil, func() map[string]string {
		return map[string]string{"idp": ident.IdPName}
	})
	return user, nil
}

func (e *Engine) findOrCreateSamlUser(ctx context.Context, ident SamlIdentity) (*User, bool, error) {
	if ident.IdPName == "" || strings.TrimSpace(ident.ExternalID) == "" {
		return nil, false, ErrInvalidSamlResponse
	}
	accountID := ident.IdPName + ":" + ident.ExternalID
	email := normalizeEmail(ident.Email)

	user, err := e.store.GetUserBySocialAccount(ctx, accountID)
	switch {
	case err == nil:
	case isStoreNotFound(err) && email != "":
		user, err = e.store.GetUserByEmail(ctx, email)
		if err != nil && !isStoreNotFound(err) {
			return nil, false, e.internalError("goidp: user lookup failed", err)
		}
		if err == nil {
			user.SocialAccountID = accountID
		}
	case isStoreNotFound(err):
	default:
		return nil, false, e.internalError("goidp: user lookup failed", err)
	}

	if user == nil {
		now := time.Now().UTC()
		user = &User{
			ID:              uuid.NewString(),
			AuthID:          uuid.NewString(),
			Email:           email,
			SocialAccountID: accountID,
			FirstName:       ident.FirstName,
			LastName:        ident.LastName,
			Locale:          e.config.Flow.DefaultLocale,
			IsActive:        true,
			LoginCount:      1,
			Attributes:      ident.Attributes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := e.store.CreateUser(ctx, user); err != nil {
			return nil, false, e.internalError("goidp: user create failed", err)
		}
		return user, true, nil
	}

	if !user.IsActive {
		return nil, false, ErrAccountDisabled
	}
	if user.FirstName == "" {
		user.FirstName = ident.FirstName
	}
	if user.LastName == "" {
		user.LastName = ident.LastName
	}
	user.LoginCount++
	if err := e.updateUser(ctx, user); err != nil {
		return nil, false, err
	}
	return user, false, nil
}
