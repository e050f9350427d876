package goIdP

import (
	"context"

	"go.uber.org/zap"
)

// OriginAllowed reports whether origin may call the embedded API.
func (e *Engine) OriginAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range e.config.Embedded.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (e *Engine) checkEmbedded(ctx context.Context) error {
	if !e.config.Embedded.Enabled {
		return ErrFeatureDisabled
	}
	if !e.OriginAllowed(originFromContext(ctx)) {
		e.emitAudit(ctx, auditEventOriginRejected, false, "", "", ErrOriginNotAllowed, nil)
		return ErrOriginNotAllowed
	}
	return nil
}

// EmbeddedInitiate opens an embedded flow and returns its session id. The flow has no
// user until [Engine.EmbeddedSignIn].
func (e *Engine) EmbeddedInitiate(ctx context.Context, req AuthorizeRequest) (string, error) {
	if err := e.checkEmbedded(ctx); err != nil {
		return "", err
	}
	app, req, err := e.validateRequest(ctx, req, true)
	if err != nil {
		return "", err
	}
	e.metricInc(MetricAuthorizeStarted)

	rec := e.newFlowRecord(req, app)
	rec.Embedded = true
	res, err := e.startFlow(ctx, rec)
	if err != nil {
		return "", err
	}
	return res.Token, nil
}

// EmbeddedSignIn authenticates cred into the embedded flow. The remaining steps use
// the same operations as browser flows, keyed by the session id.
func (e *Engine) EmbeddedSignIn(ctx context.Context, sessionID string, cred Credential) (*AuthorizeResult, error) {
	if err := e.checkEmbedded(ctx); err != nil {
		return nil, err
	}
	rec, version, err := e.loadFlow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.Embedded {
		return nil, ErrFlowExpired
	}
	if rec.User != nil {
		return rec.result(sessionID), nil
	}

	app, err := e.loadApp(ctx, rec.Request.ClientID)
	if err != nil {
		return nil, err
	}
	user, err := e.authenticate(ctx, app, cred)
	if err != nil {
		return nil, err
	}
	if err := e.bindUser(ctx, rec, app, user, cred); err != nil {
		return nil, err
	}
	return e.persistFlow(ctx, sessionID, version, rec)
}

// EmbeddedTokenExchange trades a completed embedded flow for tokens. The flow and its
// code are single use.
func (e *Engine) EmbeddedTokenExchange(ctx context.Context, sessionID, codeVerifier string) (*TokenResponse, error) {
	if err := e.checkEmbedded(ctx); err != nil {
		return nil, err
	}
	rec, _, err := e.loadFlow(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.Embedded {
		return nil, ErrFlowExpired
	}
	if rec.Issued == nil {
		return nil, ErrStepNotAllowed
	}

	resp, err := e.ExchangeAuthCode(ctx, CodeExchange{
		ClientID:     rec.Request.ClientID,
		Code:         rec.Issued.Code,
		RedirectURI:  rec.Request.RedirectURI,
		CodeVerifier: codeVerifier,
	})
	if derr := e.flows.Delete(ctx, sessionID); derr != nil {
		e.logger.Warn("goidp: embedded flow delete failed", zap.Error(derr))
	}
	return resp, err
}

// EmbeddedTokenRefresh is [Engine.Refresh] behind the embedded origin allow-list.
func (e *Engine) EmbeddedTokenRefresh(ctx context.Context, clientID, refreshToken string) (*TokenResponse, error) {
	if err := e.checkEmbedded(ctx); err != nil {
		return nil, err
	}
	return e.Refresh(ctx, clientID, refreshToken)
}
