package goIdP

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/flows"
	"github.com/MrEthical07/goIdP/internal/stores"
	"go.uber.org/zap"
)

// errStepDone is returned by a step that the record already shows as completed.
// advance turns it into a no-op success.
var errStepDone = errors.New("step already completed")

// flowUser is the minimal user snapshot frozen into a flow.
type flowUser struct {
	ID              string      `json:"id"`
	AuthID          string      `json:"auth_id"`
	Email           string      `json:"email"`
	Enrolled        []MfaFactor `json:"enrolled,omitempty"`
	HasRecoveryCode bool        `json:"has_recovery_code,omitempty"`
	Orgs            []string    `json:"orgs,omitempty"`
}

// flowRecord is the continuation record of one authorization flow. Every completed
// step is recorded here; nothing about flow progress is taken from the client.
type flowRecord struct {
	Embedded bool             `json:"embedded,omitempty"`
	Request  AuthorizeRequest `json:"request"`
	AppID    string           `json:"app_id"`
	AppName  string           `json:"app_name"`
	AppType  AppType          `json:"app_type"`
	Scopes   []string         `json:"scopes"`

	User       *flowUser    `json:"user,omitempty"`
	AuthTime   time.Time    `json:"auth_time,omitempty"`
	AuthMethod string       `json:"auth_method,omitempty"`
	Policy     flows.Policy `json:"policy"`

	Pending  MfaFactor   `json:"pending,omitempty"`
	Verified []MfaFactor `json:"verified,omitempty"`

	RecoveryRequired bool `json:"recovery_required,omitempty"`
	RecoveryIssued   bool `json:"recovery_issued,omitempty"`
	RecoveryDone     bool `json:"recovery_done,omitempty"`

	OrgRequired bool   `json:"org_required,omitempty"`
	OrgDone     bool   `json:"org_done,omitempty"`
	Org         string `json:"org,omitempty"`

	ConsentRequired bool `json:"consent_required,omitempty"`
	ConsentDone     bool `json:"consent_done,omitempty"`

	// OtpSecret holds a secret between enrollment selection and first verification.
	OtpSecret string `json:"otp_secret,omitempty"`
	// Phone holds an SMS number between setup and first verification.
	Phone string `json:"phone,omitempty"`

	Issued    *IssuedCode `json:"issued,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (r *flowRecord) stepState() flows.StepState {
	st := flows.StepState{
		Policy:           r.Policy,
		Pending:          r.Pending,
		Verified:         flows.FactorSet(r.Verified),
		RecoveryRequired: r.RecoveryRequired,
		RecoveryDone:     r.RecoveryDone,
		OrgRequired:      r.OrgRequired,
		OrgDone:          r.OrgDone,
		ConsentRequired:  r.ConsentRequired,
		ConsentDone:      r.ConsentDone,
	}
	if r.User != nil {
		st.Enrolled = flows.FactorSet(r.User.Enrolled)
	}
	return st
}

func (r *flowRecord) steps() []Step {
	if r.User == nil {
		return nil
	}
	return flows.NextSteps(r.stepState())
}

func (r *flowRecord) currentStep() (Step, bool) {
	steps := r.steps()
	if len(steps) == 0 {
		return Step{}, false
	}
	return steps[0], true
}

func (r *flowRecord) verify(f MfaFactor) {
	r.Verified = flows.FactorSet(r.Verified).With(f)
	if r.Pending == f {
		r.Pending = ""
	}
}

func (r *flowRecord) enroll(f MfaFactor) {
	if r.User != nil {
		r.User.Enrolled = flows.FactorSet(r.User.Enrolled).With(f)
	}
}

func (r *flowRecord) result(token string) *AuthorizeResult {
	if r.Issued != nil {
		res := &AuthorizeResult{Token: token, Completed: true}
		if !r.Embedded {
			issued := *r.Issued
			issued.Scopes = append([]string(nil), r.Issued.Scopes...)
			res.Issued = &issued
		}
		return res
	}
	steps := r.steps()
	res := &AuthorizeResult{Token: token, Remaining: steps}
	if len(steps) > 0 {
		next := steps[0]
		res.NextStep = &next
	}
	return res
}

// authCodeRecord is what an issued authorization code redeems to.
type authCodeRecord struct {
	ClientID            string    `json:"client_id"`
	RedirectURI         string    `json:"redirect_uri"`
	CodeChallenge       string    `json:"code_challenge"`
	CodeChallengeMethod string    `json:"code_challenge_method"`
	Nonce               string    `json:"nonce,omitempty"`
	Scopes              []string  `json:"scopes"`
	UserID              string    `json:"user_id"`
	AuthTime            time.Time `json:"auth_time"`
	Org                 string    `json:"org,omitempty"`
}

// browserSession lets a user resume a flow without re-entering credentials.
type browserSession struct {
	UserID   string      `json:"user_id"`
	ClientID string      `json:"client_id,omitempty"`
	AuthTime time.Time   `json:"auth_time"`
	Verified []MfaFactor `json:"verified,omitempty"`
}

func browserSessionKey(sessionID, clientID string) string {
	return sessionID + ":" + clientID
}

// loadFlow reads a continuation record. A missing, expired or malformed token is the
// one hard stop of the flow.
func (e *Engine) loadFlow(ctx context.Context, token string) (*flowRecord, int64, error) {
	if !internal.ValidOpaqueToken(token) {
		return nil, 0, ErrFlowExpired
	}
	stored, err := e.flows.Load(ctx, token)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return nil, 0, ErrFlowExpired
		}
		return nil, 0, e.internalError("goidp: flow load failed", err)
	}
	var rec flowRecord
	if err := json.Unmarshal(stored.Payload, &rec); err != nil {
		return nil, 0, e.internalError("goidp: flow record corrupt", err)
	}
	return &rec, stored.Version, nil
}

// advance applies one step to the flow behind token. A step error leaves the record
// untouched. Once a code is issued every further call returns the same result.
func (e *Engine) advance(ctx context.Context, token string, step func(*flowRecord) error) (*AuthorizeResult, error) {
	rec, version, err := e.loadFlow(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Issued != nil {
		return rec.result(token), nil
	}
	if rec.User == nil {
		return nil, ErrStepNotAllowed
	}
	if err := step(rec); err != nil {
		if errors.Is(err, errStepDone) {
			return rec.result(token), nil
		}
		return nil, err
	}
	return e.persistFlow(ctx, token, version, rec)
}

// persistFlow writes rec, completing it first when no steps remain. Version zero
// creates the record.
func (e *Engine) persistFlow(ctx context.Context, token string, version int64, rec *flowRecord) (*AuthorizeResult, error) {
	completing := rec.Issued == nil && rec.User != nil && len(rec.steps()) == 0
	if completing {
		if err := e.issueCode(ctx, rec); err != nil {
			return nil, err
		}
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, e.internalError("goidp: flow encode failed", err)
	}

	if version == 0 {
		if err := e.flows.Create(ctx, token, payload, e.config.Flow.ContinuationTTL); err != nil {
			return nil, e.internalError("goidp: flow create failed", err)
		}
	} else if _, err := e.flows.Update(ctx, token, version, payload); err != nil {
		switch {
		case errors.Is(err, stores.ErrConflict):
			e.metricInc(MetricFlowConflict)
			e.emitAudit(ctx, auditEventFlowConflict, false, rec.userID(), rec.Request.ClientID, ErrFlowConflict, nil)
			return nil, ErrFlowConflict
		case errors.Is(err, stores.ErrNotFound):
			return nil, ErrFlowExpired
		default:
			return nil, e.internalError("goidp: flow update failed", err)
		}
	}

	if completing {
		e.afterCompletion(ctx, rec)
	}
	return rec.result(token), nil
}

func (r *flowRecord) userID() string {
	if r.User == nil {
		return ""
	}
	return r.User.ID
}

// issueCode mints the authorization code and stores what it redeems to.
func (e *Engine) issueCode(ctx context.Context, rec *flowRecord) error {
	code, err := internal.NewOpaqueToken()
	if err != nil {
		return e.internalError("goidp: code generation failed", err)
	}

	data, err := json.Marshal(authCodeRecord{
		ClientID:            rec.Request.ClientID,
		RedirectURI:         rec.Request.RedirectURI,
		CodeChallenge:       rec.Request.CodeChallenge,
		CodeChallengeMethod: rec.Request.CodeChallengeMethod,
		Nonce:               rec.Request.Nonce,
		Scopes:              rec.Scopes,
		UserID:              rec.User.ID,
		AuthTime:            rec.AuthTime,
		Org:                 rec.Org,
	})
	if err != nil {
		return e.internalError("goidp: code encode failed", err)
	}
	if err := e.authCodes.Put(ctx, code, data, e.config.Token.AuthorizationCodeTTL); err != nil {
		return e.internalError("goidp: code store failed", err)
	}

	rec.Issued = &IssuedCode{
		Code:        code,
		RedirectURI: rec.Request.RedirectURI,
		State:       rec.Request.State,
		Scopes:      append([]string(nil), rec.Scopes...),
	}
	if !rec.Embedded && e.config.Session.BrowserSessionTTL > 0 {
		sessionID := rec.Request.SessionID
		if !internal.ValidOpaqueToken(sessionID) {
			if sessionID, err = internal.NewOpaqueToken(); err != nil {
				return e.internalError("goidp: session id generation failed", err)
			}
		}
		rec.Issued.SessionID = sessionID
	}
	return nil
}

func (e *Engine) afterCompletion(ctx context.Context, rec *flowRecord) {
	e.metricInc(MetricAuthorizeCompleted)
	e.emitAudit(ctx, auditEventAuthorizeCompleted, true, rec.User.ID, rec.Request.ClientID, nil, func() map[string]string {
		return map[string]string{"method": rec.AuthMethod}
	})

	if rec.Issued.SessionID == "" {
		return
	}
	ttl := e.config.Session.BrowserSessionTTL
	session := browserSession{
		UserID:   rec.User.ID,
		ClientID: rec.Request.ClientID,
		AuthTime: rec.AuthTime,
		Verified: rec.Verified,
	}
	data, err := json.Marshal(session)
	if err != nil {
		e.logger.Warn("goidp: browser session encode failed", zap.Error(err))
		return
	}
	if err := e.browserSessions.Put(ctx, browserSessionKey(rec.Issued.SessionID, rec.Request.ClientID), data, ttl); err != nil {
		e.logger.Warn("goidp: browser session write failed", zap.String("client_id", rec.Request.ClientID), zap.Error(err))
		return
	}

	// The client-less entry backs SAML IdP single sign-on.
	session.ClientID = ""
	data, _ = json.Marshal(session)
	if err := e.browserSessions.Put(ctx, rec.Issued.SessionID, data, ttl); err != nil {
		e.logger.Warn("goidp: browser session write failed", zap.Error(err))
	}
}
