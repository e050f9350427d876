package goIdP

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal/flows"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ceremonyRegistration = ":reg"
	ceremonyLogin        = ":login"
)

// passkeyEnrollAllowed reports whether the current step lets the user register a passkey.
func passkeyEnrollAllowed(rec *flowRecord) bool {
	if rec.User == nil || flows.FactorSet(rec.User.Enrolled).Has(MfaPasskey) {
		return false
	}
	step, ok := rec.currentStep()
	if !ok {
		return false
	}
	switch step.Kind {
	case StepMfaEnroll:
		return flows.FactorSet(step.Options).Has(MfaPasskey)
	case StepMfaVerify:
		return step.Factor == MfaPasskey && rec.Pending == MfaPasskey
	}
	return false
}

func (e *Engine) passkeyUser(ctx context.Context, userID string) (PasskeyUser, error) {
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return PasskeyUser{}, err
	}
	creds, err := e.store.ListPasskeys(ctx, user.ID)
	if err != nil && !isStoreNotFound(err) {
		return PasskeyUser{}, e.internalError("goidp: passkey list failed", err, zap.String("user_id", user.ID))
	}
	display := user.Email
	if user.FirstName != "" || user.LastName != "" {
		display = user.FirstName + " " + user.LastName
	}
	return PasskeyUser{
		ID:          user.ID,
		AuthID:      user.AuthID,
		Email:       user.Email,
		DisplayName: display,
		Credentials: creds,
	}, nil
}

// BeginPasskeyEnroll starts a WebAuthn registration ceremony bound to the flow and
// returns the creation options for the browser.
func (e *Engine) BeginPasskeyEnroll(ctx context.Context, token string) ([]byte, error) {
	if !e.config.Passkey.Enabled {
		return nil, ErrFeatureDisabled
	}
	rec, _, err := e.loadFlow(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.Issued != nil || !passkeyEnrollAllowed(rec) {
		return nil, ErrStepNotAllowed
	}
	return e.beginCeremony(ctx, token+ceremonyRegistration, rec.User.ID, e.passkeys.BeginRegistration)
}

// FinishPasskeyEnroll verifies the attestation, stores the credential and counts the
// registration as this flow's passkey verification.
func (e *Engine) FinishPasskeyEnroll(ctx context.Context, token string, response []byte) (*AuthorizeResult, error) {
	if !e.config.Passkey.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if flows.FactorSet(rec.Verified).Has(MfaPasskey) {
			return errStepDone
		}
		if !passkeyEnrollAllowed(rec) {
			return ErrStepNotAllowed
		}
		pu, session, err := e.takeCeremony(ctx, token+ceremonyRegistration, rec.User.ID)
		if err != nil {
			return err
		}

		cred, err := e.passkeys.FinishRegistration(pu, session, response)
		if err != nil || cred == nil {
			e.recordFactor(MfaPasskey, false)
			e.emitAudit(ctx, auditEventMfaFailure, false, pu.ID, rec.Request.ClientID, ErrInvalidPasskey, passkeyMeta)
			return ErrInvalidPasskey.wrap(err)
		}
		cred.ID = uuid.NewString()
		cred.UserID = pu.ID
		cred.CreatedAt = time.Now().UTC()
		if err := e.store.CreatePasskey(ctx, cred); err != nil {
			return e.internalError("goidp: passkey store failed", err, zap.String("user_id", pu.ID))
		}

		if err := e.persistFactor(ctx, rec, MfaPasskey, nil); err != nil {
			return err
		}
		rec.verify(MfaPasskey)
		e.recordFactor(MfaPasskey, true)
		e.emitAudit(ctx, auditEventMfaSuccess, true, pu.ID, rec.Request.ClientID, nil, passkeyMeta)
		return nil
	})
}

// BeginPasskeyVerify starts a WebAuthn login ceremony for an enrolled user.
func (e *Engine) BeginPasskeyVerify(ctx context.Context, token string) ([]byte, error) {
	if !e.config.Passkey.Enabled {
		return nil, ErrFeatureDisabled
	}
	rec, _, err := e.loadFlow(ctx, token)
	if err != nil {
		return nil, err
	}
	if rec.User == nil || rec.Issued != nil || !flows.FactorSet(rec.User.Enrolled).Has(MfaPasskey) ||
		!flows.CanVerify(rec.stepState(), MfaPasskey) {
		return nil, ErrStepNotAllowed
	}
	return e.beginCeremony(ctx, token+ceremonyLogin, rec.User.ID, e.passkeys.BeginLogin)
}

// FinishPasskeyVerify checks the assertion. The authenticator signature counter must
// increase; authenticators that never count report zero on both sides and pass.
func (e *Engine) FinishPasskeyVerify(ctx context.Context, token string, response []byte) (*AuthorizeResult, error) {
	if !e.config.Passkey.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		st := rec.stepState()
		if st.Verified.Has(MfaPasskey) {
			return errStepDone
		}
		if !st.Enrolled.Has(MfaPasskey) || !flows.CanVerify(st, MfaPasskey) {
			return ErrStepNotAllowed
		}
		pu, session, err := e.takeCeremony(ctx, token+ceremonyLogin, rec.User.ID)
		if err != nil {
			return err
		}

		fail := func(reason *Error, cause error) error {
			e.recordFactor(MfaPasskey, false)
			e.emitAudit(ctx, auditEventMfaFailure, false, pu.ID, rec.Request.ClientID, reason, passkeyMeta)
			if cause != nil {
				return reason.wrap(cause)
			}
			return reason
		}

		assertion, err := e.passkeys.FinishLogin(pu, session, response)
		if err != nil || assertion == nil {
			return fail(ErrInvalidPasskey, err)
		}
		var stored *PasskeyCredential
		for i := range pu.Credentials {
			if bytes.Equal(pu.Credentials[i].CredentialID, assertion.CredentialID) {
				stored = &pu.Credentials[i]
				break
			}
		}
		if stored == nil {
			return fail(ErrInvalidPasskey, nil)
		}
		if !signCountAdvances(stored.SignCount, assertion.SignCount) {
			return fail(ErrPasskeyReplay, nil)
		}
		if err := e.store.UpdatePasskeySignCount(ctx, stored.CredentialID, assertion.SignCount); err != nil {
			return e.internalError("goidp: passkey counter update failed", err, zap.String("user_id", pu.ID))
		}

		rec.verify(MfaPasskey)
		e.recordFactor(MfaPasskey, true)
		e.emitAudit(ctx, auditEventMfaSuccess, true, pu.ID, rec.Request.ClientID, nil, passkeyMeta)
		return nil
	})
}

func signCountAdvances(stored, presented uint32) bool {
	if stored == 0 && presented == 0 {
		return true
	}
	return presented > stored
}

func passkeyMeta() map[string]string {
	return map[string]string{"factor": string(MfaPasskey)}
}

func (e *Engine) beginCeremony(
	ctx context.Context,
	key, userID string,
	begin func(PasskeyUser) ([]byte, []byte, error),
) ([]byte, error) {
	pu, err := e.passkeyUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	options, session, err := begin(pu)
	if err != nil {
		return nil, e.internalError("goidp: passkey ceremony start failed", err, zap.String("user_id", userID))
	}
	if err := e.ceremonies.Put(ctx, key, session, e.config.Passkey.ChallengeTTL); err != nil {
		return nil, e.internalError("goidp: passkey session store failed", err)
	}
	return options, nil
}

// takeCeremony consumes the pending ceremony; each challenge answers once.
func (e *Engine) takeCeremony(ctx context.Context, key, userID string) (PasskeyUser, []byte, error) {
	session, err := e.ceremonies.Take(ctx, key)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return PasskeyUser{}, nil, ErrInvalidPasskey
		}
		return PasskeyUser{}, nil, e.internalError("goidp: passkey session load failed", err)
	}
	pu, err := e.passkeyUser(ctx, userID)
	if err != nil {
		return PasskeyUser{}, nil, err
	}
	return pu, session, nil
}
