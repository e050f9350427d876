package goIdP

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal/flows"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CodeExchange is an authorization_code grant.
type CodeExchange struct {
	ClientID     string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// LogoutRequest names what to end. Every field is optional except ClientID, which is
// taken from the refresh token when empty.
type LogoutRequest struct {
	ClientID              string
	RefreshToken          string
	SessionID             string
	PostLogoutRedirectURI string
}

// refreshRegistration backs revocation of a refresh token by its jti.
type refreshRegistration struct {
	UserID   string    `json:"user_id"`
	ClientID string    `json:"client_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// ExchangeAuthCode redeems an authorization code. The code is consumed by the first
// attempt whatever its outcome.
func (e *Engine) ExchangeAuthCode(ctx context.Context, in CodeExchange) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() {
		e.recordGrant(GrantAuthorizationCode, start, err)
		e.emitAudit(ctx, auditEventCodeExchange, err == nil, "", in.ClientID, err, nil)
	}()

	app, err := e.loadApp(ctx, in.ClientID)
	if err != nil {
		return nil, err
	}
	if app.Type != AppSPA {
		return nil, ErrWrongClientType
	}
	if in.Code == "" {
		return nil, ErrWrongAuthCode
	}

	data, err := e.authCodes.Take(ctx, in.Code)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrWrongAuthCode
		}
		return nil, e.internalError("goidp: auth code load failed", err)
	}
	var ac authCodeRecord
	if err := json.Unmarshal(data, &ac); err != nil {
		return nil, ErrWrongAuthCode
	}

	if ac.ClientID != app.ClientID {
		return nil, ErrClientMismatch
	}
	if ac.RedirectURI != in.RedirectURI {
		return nil, ErrWrongRedirectURI
	}
	if err := flows.VerifyPKCE(ac.CodeChallengeMethod, ac.CodeChallenge, in.CodeVerifier); err != nil {
		return nil, ErrPKCEMismatch.wrap(err)
	}

	user, err := e.loadUser(ctx, ac.UserID)
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	return e.issueTokens(ctx, app, user, ac)
}

func (e *Engine) issueTokens(ctx context.Context, app *App, user *User, ac authCodeRecord) (*TokenResponse, error) {
	ring, err := e.keyRing(ctx)
	if err != nil {
		return nil, err
	}

	access, exp, err := e.jwtManager.SignAccess(ring, jwt.AccessInput{
		Subject:    user.AuthID,
		ClientID:   app.ClientID,
		ClientType: jwt.ClientSPA,
		Scopes:     ac.Scopes,
	})
	if err != nil {
		return nil, e.internalError("goidp: access token signing failed", err)
	}
	resp := &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn(exp),
		Scope:       flows.JoinScopes(ac.Scopes),
	}

	if flows.HasScope(ac.Scopes, flows.ScopeOfflineAccess) {
		jti := uuid.NewString()
		refresh, _, err := e.jwtManager.SignRefresh(jwt.RefreshInput{
			ID:       jti,
			Subject:  user.AuthID,
			ClientID: app.ClientID,
			Scopes:   ac.Scopes,
		})
		if err != nil {
			return nil, e.internalError("goidp: refresh token signing failed", err)
		}
		reg, _ := json.Marshal(refreshRegistration{UserID: user.ID, ClientID: app.ClientID, IssuedAt: time.Now().UTC()})
		if err := e.refreshTokens.Put(ctx, jti, reg, e.jwtManager.RefreshTTL()); err != nil {
			return nil, e.internalError("goidp: refresh registration failed", err)
		}
		resp.RefreshToken = refresh
	}

	if flows.HasScope(ac.Scopes, flows.ScopeOpenID) {
		attrs := user.Attributes
		if ac.Org != "" {
			attrs = make(map[string]string, len(user.Attributes)+1)
			for k, v := range user.Attributes {
				attrs[k] = v
			}
			attrs["org"] = ac.Org
		}
		idToken, err := e.jwtManager.SignIDToken(ring, jwt.IDInput{
			Subject:    user.AuthID,
			ClientID:   app.ClientID,
			Email:      user.Email,
			FirstName:  user.FirstName,
			LastName:   user.LastName,
			Locale:     user.Locale,
			Nonce:      ac.Nonce,
			AuthTime:   ac.AuthTime,
			Roles:      user.Roles,
			Attributes: attrs,
		})
		if err != nil {
			return nil, e.internalError("goidp: id token signing failed", err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func expiresIn(exp time.Time) int64 {
	secs := int64(time.Until(exp).Round(time.Second) / time.Second)
	if secs < 0 {
		return 0
	}
	return secs
}

// Refresh mints a new access token from a refresh token. The refresh token itself is
// neither rotated nor re-issued.
func (e *Engine) Refresh(ctx context.Context, clientID, refreshToken string) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() {
		e.recordGrant(GrantRefreshToken, start, err)
		e.emitAudit(ctx, auditEventRefresh, err == nil, "", clientID, err, nil)
	}()

	claims, err := e.jwtManager.ParseRefresh(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if clientID != "" && claims.ClientID != clientID {
		return nil, ErrClientMismatch
	}
	if _, err := e.refreshTokens.Get(ctx, claims.ID); err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrRefreshRevoked
		}
		return nil, e.internalError("goidp: refresh registry lookup failed", err)
	}

	app, err := e.loadApp(ctx, claims.ClientID)
	if err != nil {
		return nil, err
	}
	user, err := e.store.GetUserByAuthID(ctx, claims.Subject)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, e.internalError("goidp: user lookup failed", err)
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	ring, err := e.keyRing(ctx)
	if err != nil {
		return nil, err
	}
	scopes := claims.Scopes()
	access, exp, err := e.jwtManager.SignAccess(ring, jwt.AccessInput{
		Subject:    user.AuthID,
		ClientID:   app.ClientID,
		ClientType: jwt.ClientSPA,
		Scopes:     scopes,
	})
	if err != nil {
		return nil, e.internalError("goidp: access token signing failed", err)
	}
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn(exp),
		Scope:       flows.JoinScopes(scopes),
	}, nil
}

// ClientCredentials issues an S2S access token. No refresh or ID token is returned.
// An empty scope requests every scope granted to the app.
func (e *Engine) ClientCredentials(ctx context.Context, clientID, secret, scope string) (resp *TokenResponse, err error) {
	start := time.Now()
	defer func() {
		e.recordGrant(GrantClientCredentials, start, err)
		e.emitAudit(ctx, auditEventClientCredentials, err == nil, "", clientID, err, nil)
	}()

	app, err := e.loadApp(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrWrongClient) {
			return nil, ErrInvalidClient
		}
		return nil, err
	}
	if app.Type != AppS2S {
		return nil, ErrWrongClientType
	}
	if app.Secret == "" || subtle.ConstantTimeCompare([]byte(app.Secret), []byte(secret)) != 1 {
		return nil, ErrInvalidClient
	}

	scopes := app.Scopes
	if requested := flows.ParseScopes(scope); len(requested) > 0 {
		scopes = flows.IntersectScopes(requested, app.Scopes)
	}

	ring, err := e.keyRing(ctx)
	if err != nil {
		return nil, err
	}
	access, exp, err := e.jwtManager.SignAccess(ring, jwt.AccessInput{
		Subject:    app.ClientID,
		ClientID:   app.ClientID,
		ClientType: jwt.ClientS2S,
		Scopes:     scopes,
	})
	if err != nil {
		return nil, e.internalError("goidp: access token signing failed", err)
	}
	return &TokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn(exp),
		Scope:       flows.JoinScopes(scopes),
	}, nil
}

// VerifyAccessToken checks an access token against the current key, then the deprecated one.
func (e *Engine) VerifyAccessToken(ctx context.Context, token string) (*jwt.AccessClaims, error) {
	ring, err := e.keyRing(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := e.jwtManager.ParseAccess(ring, token)
	if err != nil {
		return nil, ErrInvalidToken.wrap(err)
	}
	return claims, nil
}

// UserInfo returns the claims of the user an access token was issued to, filtered by
// the token's scopes.
func (e *Engine) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	claims, err := e.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if claims.ClientType != jwt.ClientSPA {
		return nil, ErrInvalidToken
	}
	user, err := e.store.GetUserByAuthID(ctx, claims.Subject)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidToken
		}
		return nil, e.internalError("goidp: user lookup failed", err)
	}
	if !user.IsActive {
		return nil, ErrInvalidToken
	}

	scopes := claims.Scopes()
	info := &UserInfo{Subject: user.AuthID}
	if flows.HasScope(scopes, flows.ScopeEmail) {
		info.Email = user.Email
	}
	if flows.HasScope(scopes, flows.ScopeProfile) {
		info.FirstName = user.FirstName
		info.LastName = user.LastName
		info.Locale = user.Locale
		info.Roles = user.Roles
		info.Attributes = user.Attributes
	}
	return info, nil
}

// Logout revokes a refresh token and ends the browser session for the client. It
// returns the post-logout redirect, which must be registered for the app.
func (e *Engine) Logout(ctx context.Context, in LogoutRequest) (string, error) {
	var claims *jwt.RefreshClaims
	if in.RefreshToken != "" {
		if parsed, err := e.jwtManager.ParseRefresh(in.RefreshToken); err == nil {
			claims = parsed
		}
	}
	clientID := in.ClientID
	if clientID == "" && claims != nil {
		clientID = claims.ClientID
	}

	app, err := e.loadApp(ctx, clientID)
	if err != nil {
		return "", err
	}
	if in.PostLogoutRedirectURI != "" && !containsString(app.PostLogoutRedirectURIs, in.PostLogoutRedirectURI) {
		return "", ErrInvalidPostLogoutRedirect
	}

	if claims != nil && claims.ClientID == app.ClientID {
		if _, err := e.refreshTokens.Delete(ctx, claims.ID); err != nil {
			return "", e.internalError("goidp: refresh revoke failed", err)
		}
	}
	if in.SessionID != "" {
		if _, err := e.browserSessions.Delete(ctx, browserSessionKey(in.SessionID, app.ClientID)); err != nil {
			return "", e.internalError("goidp: browser session delete failed", err)
		}
		if _, err := e.browserSessions.Delete(ctx, in.SessionID); err != nil {
			e.logger.Warn("goidp: browser session delete failed", zap.Error(err))
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, "", app.ClientID, nil, nil)
	return in.PostLogoutRedirectURI, nil
}
