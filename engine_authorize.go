package goIdP

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/flows"
	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"go.uber.org/zap"
)

const (
	methodPassword     = "password"
	methodPasswordless = "passwordless"
	methodRecoveryCode = "recovery_code"
	methodSaml         = "saml"
	methodSession      = "session"

	purposePasswordless = "passwordless"
)

// knownPolicies are the accepted values of the authorize "policy" parameter.
var knownPolicies = []string{
	"sign_in_or_sign_up",
	"change_password",
	"change_email",
	"reset_mfa",
	"manage_passkey",
	"manage_recovery_code",
	"update_info",
}

// Credential is the primary credential presented to start a flow. Implementations are
// [PasswordCredential], [PasswordlessCredential], [RecoveryCodeCredential] and [SamlIdentity].
type Credential interface {
	credentialMethod() string
}

// PasswordCredential is an email and password.
type PasswordCredential struct {
	Email    string
	Password string
}

// PasswordlessCredential is an email and the code sent by [Engine.SendPasswordlessCode].
type PasswordlessCredential struct {
	Email string
	Code  string
}

// RecoveryCodeCredential signs in with the user's one active recovery code. The code
// is consumed and MFA is bypassed.
type RecoveryCodeCredential struct {
	Email string
	Code  string
}

// SamlIdentity is the attribute set extracted from a validated SAML assertion.
type SamlIdentity struct {
	IdPName    string
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
	Attributes map[string]string
}

type sessionCredential struct {
	session browserSession
}

func (PasswordCredential) credentialMethod() string     { return methodPassword }
func (PasswordlessCredential) credentialMethod() string { return methodPasswordless }
func (RecoveryCodeCredential) credentialMethod() string { return methodRecoveryCode }
func (SamlIdentity) credentialMethod() string           { return methodSaml }
func (sessionCredential) credentialMethod() string      { return methodSession }

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateAuthorizeRequest checks an authorize request without starting a flow and
// returns what the sign-in page needs to render.
func (e *Engine) ValidateAuthorizeRequest(ctx context.Context, req AuthorizeRequest) (*AppInfo, error) {
	app, req, err := e.validateAuthorize(ctx, req)
	if err != nil {
		return nil, err
	}
	return &AppInfo{
		ClientID: app.ClientID,
		Name:     app.Name,
		Scopes:   flows.IntersectScopes(flows.ParseScopes(req.Scope), app.Scopes),
		Locale:   req.Locale,
	}, nil
}

func (e *Engine) validateAuthorize(ctx context.Context, req AuthorizeRequest) (*App, AuthorizeRequest, error) {
	return e.validateRequest(ctx, req, false)
}

// validateRequest checks req against the app registration. Embedded flows never
// redirect, so their redirect URI is optional but must be registered when present.
func (e *Engine) validateRequest(ctx context.Context, req AuthorizeRequest, embedded bool) (*App, AuthorizeRequest, error) {
	app, err := e.loadApp(ctx, req.ClientID)
	if err != nil {
		return nil, req, err
	}
	if app.Type != AppSPA {
		return nil, req, ErrWrongClientType
	}
	if embedded && req.ResponseType == "" {
		req.ResponseType = "code"
	}
	if (!embedded || req.RedirectURI != "") && !containsString(app.RedirectURIs, req.RedirectURI) {
		return nil, req, ErrWrongRedirectURI
	}
	if req.ResponseType != "code" {
		return nil, req, ErrUnsupportedResponseType
	}
	if strings.TrimSpace(req.CodeChallenge) == "" {
		return nil, req, ErrInvalidRequest
	}
	method, err := flows.NormalizePKCEMethod(req.CodeChallengeMethod)
	if err != nil {
		return nil, req, ErrInvalidRequest.wrap(err)
	}
	if err := flows.ValidChallenge(method, req.CodeChallenge); err != nil {
		return nil, req, ErrInvalidRequest.wrap(err)
	}
	req.CodeChallengeMethod = method

	if req.Locale == "" {
		req.Locale = e.config.Flow.DefaultLocale
	}
	if req.Locale != "" && !containsString(e.config.Flow.Locales, req.Locale) {
		return nil, req, ErrUnsupportedLocale
	}

	if req.Policy != "" {
		if containsString(e.config.Flow.BlockedPolicies, req.Policy) {
			return nil, req, ErrPolicyBlocked
		}
		if !containsString(knownPolicies, req.Policy) {
			return nil, req, ErrInvalidRequest
		}
	}
	return app, req, nil
}

// Initiate validates req, authenticates cred and starts a flow. The result names the
// first remaining step, or carries the issued code when nothing else is required.
func (e *Engine) Initiate(ctx context.Context, req AuthorizeRequest, cred Credential) (*AuthorizeResult, error) {
	app, req, err := e.validateAuthorize(ctx, req)
	if err != nil {
		return nil, err
	}
	e.metricInc(MetricAuthorizeStarted)

	user, err := e.authenticate(ctx, app, cred)
	if err != nil {
		return nil, err
	}

	rec := e.newFlowRecord(req, app)
	if err := e.bindUser(ctx, rec, app, user, cred); err != nil {
		return nil, err
	}
	return e.startFlow(ctx, rec)
}

// InitiateFromSession starts a flow from the browser session named by req.SessionID,
// skipping primary credential entry. Factors verified in that session stay verified.
func (e *Engine) InitiateFromSession(ctx context.Context, req AuthorizeRequest) (*AuthorizeResult, error) {
	if e.config.Session.BrowserSessionTTL <= 0 {
		return nil, ErrFeatureDisabled
	}
	app, req, err := e.validateAuthorize(ctx, req)
	if err != nil {
		return nil, err
	}
	if !internal.ValidOpaqueToken(req.SessionID) {
		return nil, ErrNoSession
	}

	data, err := e.browserSessions.Get(ctx, browserSessionKey(req.SessionID, app.ClientID))
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, e.internalError("goidp: browser session load failed", err)
	}
	var session browserSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, ErrNoSession
	}

	e.metricInc(MetricAuthorizeStarted)
	cred := sessionCredential{session: session}
	user, err := e.authenticate(ctx, app, cred)
	if err != nil {
		return nil, err
	}

	rec := e.newFlowRecord(req, app)
	if err := e.bindUser(ctx, rec, app, user, cred); err != nil {
		return nil, err
	}
	return e.startFlow(ctx, rec)
}

func (e *Engine) startFlow(ctx context.Context, rec *flowRecord) (*AuthorizeResult, error) {
	token, err := internal.NewOpaqueToken()
	if err != nil {
		return nil, e.internalError("goidp: token generation failed", err)
	}
	e.emitAudit(ctx, auditEventAuthorizeStarted, true, rec.userID(), rec.Request.ClientID, nil, func() map[string]string {
		return map[string]string{"method": rec.AuthMethod}
	})
	return e.persistFlow(ctx, token, 0, rec)
}

func (e *Engine) newFlowRecord(req AuthorizeRequest, app *App) *flowRecord {
	return &flowRecord{
		Request:   req,
		AppID:     app.ID,
		AppName:   app.Name,
		AppType:   app.Type,
		Scopes:    flows.IntersectScopes(flows.ParseScopes(req.Scope), app.Scopes),
		Policy:    e.resolvePolicy(app),
		CreatedAt: time.Now().UTC(),
	}
}

// resolvePolicy freezes the effective MFA policy for one flow.
func (e *Engine) resolvePolicy(app *App) flows.Policy {
	override, hasOverride := app.MfaPolicy.(AppOverride)
	if o, ok := app.MfaPolicy.(*AppOverride); ok && o != nil {
		override, hasOverride = *o, true
	}

	var p flows.Policy
	if hasOverride {
		p = e.overridePolicy(override)
	} else {
		p = flows.Policy{
			RequireEmail:     e.config.MFA.RequireEmail,
			RequireOtp:       e.config.MFA.RequireOtp,
			RequireSms:       e.config.MFA.RequireSms,
			AllowEmailBackup: e.config.MFA.AllowEmailBackup,
		}
		for _, f := range e.config.MFA.EnforceOneOf {
			if e.factorEnabled(f) {
				p.EnforceOneOf = append(p.EnforceOneOf, f)
			}
		}
	}
	p.AllowEmailBackup = p.AllowEmailBackup && e.config.EmailMFA.Enabled
	return p
}

// overridePolicy keeps only the app requirements whose factor is enabled system-wide;
// a requirement on a disabled factor would start an enrollment step nobody can finish.
func (e *Engine) overridePolicy(o AppOverride) flows.Policy {
	return flows.Policy{
		RequireEmail:     o.RequireEmail && e.factorEnabled(MfaEmail),
		RequireOtp:       o.RequireOtp && e.factorEnabled(MfaOtp),
		RequireSms:       o.RequireSms && e.factorEnabled(MfaSms),
		AllowEmailBackup: o.AllowEmailBackup,
	}
}

func (e *Engine) factorEnabled(f MfaFactor) bool {
	switch f {
	case MfaEmail:
		return e.config.EmailMFA.Enabled
	case MfaOtp:
		return e.config.OTP.Enabled
	case MfaSms:
		return e.config.SMSMFA.Enabled
	case MfaPasskey:
		return e.config.Passkey.Enabled
	}
	return false
}

// bindUser freezes the authenticated user into rec and decides which non-MFA steps apply.
func (e *Engine) bindUser(ctx context.Context, rec *flowRecord, app *App, user *User, cred Credential) error {
	snapshot := &flowUser{
		ID:              user.ID,
		AuthID:          user.AuthID,
		Email:           user.Email,
		HasRecoveryCode: user.RecoveryCodeHash != "",
		Orgs:            append([]string(nil), user.Orgs...),
	}
	for _, f := range user.MfaTypes {
		if e.factorEnabled(f) {
			snapshot.Enrolled = flows.FactorSet(snapshot.Enrolled).With(f)
		}
	}
	rec.User = snapshot
	rec.AuthMethod = cred.credentialMethod()
	rec.AuthTime = time.Now().UTC()

	switch c := cred.(type) {
	case RecoveryCodeCredential:
		rec.Verified = append([]MfaFactor(nil), snapshot.Enrolled...)
		rec.Policy.EnforceOneOf = nil
		rec.Policy.RequireEmail, rec.Policy.RequireOtp, rec.Policy.RequireSms = false, false, false
	case sessionCredential:
		rec.AuthTime = c.session.AuthTime
		for _, f := range c.session.Verified {
			rec.Verified = flows.FactorSet(rec.Verified).With(f)
		}
	}

	if e.config.Recovery.Enabled {
		switch {
		case rec.AuthMethod == methodRecoveryCode:
			rec.RecoveryRequired = true
		case e.config.Recovery.RequireEnrollment && !snapshot.HasRecoveryCode:
			rec.RecoveryRequired = true
		}
	}

	if e.config.Org.Enabled && len(user.Orgs) > 0 {
		if rec.Request.Org != "" && containsString(user.Orgs, rec.Request.Org) {
			rec.Org = rec.Request.Org
		} else {
			rec.OrgRequired = true
		}
	}

	if app.RequireConsent {
		consent, err := e.store.GetConsent(ctx, user.ID, app.ID)
		switch {
		case err != nil && !isStoreNotFound(err):
			return e.internalError("goidp: consent lookup failed", err, zap.String("user_id", user.ID))
		case err == nil && consent != nil && flows.CoversScopes(consent.Scopes, rec.Scopes):
		default:
			rec.ConsentRequired = true
		}
	}
	return nil
}

// authenticate resolves the primary credential to an active user.
func (e *Engine) authenticate(ctx context.Context, app *App, cred Credential) (*User, error) {
	switch c := cred.(type) {
	case PasswordCredential:
		return e.signIn(ctx, app, methodPassword, c.Email, func(ctx context.Context, email string) (*User, error) {
			return e.authenticatePassword(ctx, email, c.Password)
		})
	case *PasswordCredential:
		return e.authenticate(ctx, app, *c)
	case PasswordlessCredential:
		if !e.config.Passwordless.Enabled {
			return nil, ErrFeatureDisabled
		}
		return e.signIn(ctx, app, methodPasswordless, c.Email, func(ctx context.Context, email string) (*User, error) {
			return e.authenticatePasswordless(ctx, email, c.Code)
		})
	case *PasswordlessCredential:
		return e.authenticate(ctx, app, *c)
	case RecoveryCodeCredential:
		if !e.config.Recovery.Enabled {
			return nil, ErrFeatureDisabled
		}
		return e.signIn(ctx, app, methodRecoveryCode, c.Email, func(ctx context.Context, email string) (*User, error) {
			return e.authenticateRecoveryCode(ctx, email, c.Code)
		})
	case *RecoveryCodeCredential:
		return e.authenticate(ctx, app, *c)
	case SamlIdentity:
		return e.provisionSamlUser(ctx, app, c)
	case *SamlIdentity:
		return e.provisionSamlUser(ctx, app, *c)
	case sessionCredential:
		user, err := e.loadUser(ctx, c.session.UserID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return nil, ErrNoSession
			}
			return nil, err
		}
		if !user.IsActive {
			return nil, ErrAccountDisabled
		}
		return user, nil
	default:
		return nil, ErrInvalidRequest
	}
}

// signIn runs a lockout-guarded credential check keyed by (email, client IP).
func (e *Engine) signIn(
	ctx context.Context,
	app *App,
	method string,
	rawEmail string,
	check func(context.Context, string) (*User, error),
) (*User, error) {
	email := normalizeEmail(rawEmail)
	if email == "" {
		return nil, ErrInvalidCredentials
	}

	var user *User
	deps := flows.SignInDeps{
		Method:              method,
		ClientIPFromContext: clientIPFromContext,
		CheckLockout: func(ctx context.Context, identity, ip string) error {
			locked, err := e.guardCheck(ctx, rate.ActionSignInFailure, identity, ip)
			if err != nil {
				return err
			}
			if locked {
				return rate.ErrLimitReached
			}
			return nil
		},
		RecordFailure: func(ctx context.Context, identity, ip string) error {
			_, err := e.guard.Increment(ctx, rate.ActionSignInFailure, identity, ip)
			if errors.Is(err, rate.ErrUnknownAction) {
				return nil
			}
			return err
		},
		IsLocked: func(err error) bool { return errors.Is(err, rate.ErrLimitReached) },
		Authenticate: func(ctx context.Context) (string, error) {
			u, err := check(ctx, email)
			if err != nil {
				return "", err
			}
			user = u
			return u.ID, nil
		},
		MetricInc: func(id int) { e.metricInc(MetricID(id)) },
		EmitAudit: func(ctx context.Context, event string, success bool, userID string, err error, meta func() map[string]string) {
			e.emitAudit(ctx, event, success, userID, app.ClientID, err, meta)
		},
		Warn: func(msg string, kv ...any) { e.logger.Sugar().Warnw(msg, kv...) },
		Metrics: flows.SignInMetrics{
			SignInSuccess: int(MetricSignInSuccess),
			SignInFailure: int(MetricSignInFailure),
			Lockout:       int(MetricAccountLockout),
		},
		Events: flows.SignInEvents{
			SignInSuccess: auditEventSignInSuccess,
			SignInFailure: auditEventSignInFailure,
			Lockout:       auditEventAccountLocked,
		},
		Errors: flows.SignInErrors{
			EngineNotReady:     ErrEngineNotReady,
			InvalidCredentials: ErrInvalidCredentials,
			AccountLocked:      ErrAccountLocked,
			Unavailable:        ErrInternal,
		},
	}

	if _, err := flows.RunSignIn(ctx, email, deps); err != nil {
		return nil, err
	}

	user.LoginCount++
	if err := e.updateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (e *Engine) authenticatePassword(ctx context.Context, email, pw string) (*User, error) {
	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if isStoreNotFound(err) {
			e.passwordHash.VerifyMissing(pw)
			return nil, ErrInvalidCredentials
		}
		return nil, e.internalError("goidp: user lookup failed", err)
	}
	if user.PasswordHash == "" {
		e.passwordHash.VerifyMissing(pw)
		return nil, ErrInvalidCredentials
	}

	ok, err := e.passwordHash.Verify(pw, user.PasswordHash)
	if err != nil {
		e.logger.Warn("goidp: stored password hash unreadable", zap.String("user_id", user.ID), zap.Error(err))
		return nil, ErrInvalidCredentials
	}
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	if e.config.Password.UpgradeOnLogin {
		if upgrade, err := e.passwordHash.NeedsUpgrade(user.PasswordHash); err == nil && upgrade {
			if rehashed, err := e.passwordHash.Hash(pw); err == nil {
				user.PasswordHash = rehashed
			}
		}
	}
	return user, nil
}

func (e *Engine) authenticatePasswordless(ctx context.Context, email, code string) (*User, error) {
	locked, err := e.guardCheck(ctx, rate.ActionPasswordlessFailure, email, "")
	if err != nil {
		return nil, err
	}
	if locked {
		e.emitRateLimit(ctx, string(rate.ActionPasswordlessFailure), "", "")
		return nil, ErrAccountLocked
	}

	matched, err := e.codes.Consume(ctx, purposePasswordless, email, internal.DigestCode(purposePasswordless, email, code))
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return nil, e.internalError("goidp: passwordless code lookup failed", err)
	}
	if !matched {
		e.guardIncrement(ctx, rate.ActionPasswordlessFailure, email, "")
		return nil, ErrInvalidCredentials
	}

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, e.internalError("goidp: user lookup failed", err)
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}
	return user, nil
}

func (e *Engine) authenticateRecoveryCode(ctx context.Context, email, code string) (*User, error) {
	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, e.internalError("goidp: user lookup failed", err)
	}
	if user.RecoveryCodeHash == "" || !flows.MatchRecoveryCode(user.ID, code, user.RecoveryCodeHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrAccountDisabled
	}

	// Concurrent sign-ins with the same code race on this marker; only one wins.
	if err := e.recoveryUses.PutNew(ctx, user.RecoveryCodeHash, []byte(user.ID), e.config.Flow.ContinuationTTL); err != nil {
		if errors.Is(err, stores.ErrExists) {
			return nil, ErrInvalidCredentials
		}
		return nil, e.internalError("goidp: recovery code marker failed", err)
	}
	user.RecoveryCodeHash = ""

	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, user.ID, "", nil, nil)
	return user, nil
}

// SendPasswordlessCode emails a one-time sign-in code. Unknown addresses are accepted
// silently so the response does not reveal which emails have accounts.
func (e *Engine) SendPasswordlessCode(ctx context.Context, req AuthorizeRequest, rawEmail string) error {
	if !e.config.Passwordless.Enabled {
		return ErrFeatureDisabled
	}
	app, _, err := e.validateAuthorize(ctx, req)
	if err != nil {
		return err
	}
	email := normalizeEmail(rawEmail)
	if email == "" {
		return ErrInvalidRequest
	}

	limited, err := e.guardHit(ctx, rate.ActionPasswordlessSend, email, "")
	if err != nil {
		return err
	}
	if limited {
		e.emitRateLimit(ctx, string(rate.ActionPasswordlessSend), "", app.ClientID)
		return ErrSendLimit
	}

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if isStoreNotFound(err) {
			return nil
		}
		return e.internalError("goidp: user lookup failed", err)
	}
	if !user.IsActive {
		return nil
	}

	code, err := internal.NewOTP(e.config.Passwordless.CodeDigits)
	if err != nil {
		return e.internalError("goidp: code generation failed", err)
	}
	digest := internal.DigestCode(purposePasswordless, email, code)
	if err := e.codes.Put(ctx, purposePasswordless, email, digest, e.config.Passwordless.CodeTTL); err != nil {
		return e.internalError("goidp: passwordless code store failed", err)
	}

	ok := e.emailSender.Send(ctx, user.Email, "Your sign-in code is "+code)
	e.emitAudit(ctx, auditEventPasswordlessSent, ok, user.ID, app.ClientID, nil, nil)
	if !ok {
		return ErrDeliveryFailed
	}
	return nil
}
