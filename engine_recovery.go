package goIdP

import (
	"context"

	"github.com/MrEthical07/goIdP/internal/flows"
)

// BeginRecoveryCodeEnroll generates a recovery code at the RecoveryCodeEnroll step and
// returns it for one-time display. The hash is stored immediately, replacing any earlier
// code; calling again issues a new code.
func (e *Engine) BeginRecoveryCodeEnroll(ctx context.Context, token string) (string, *AuthorizeResult, error) {
	if !e.config.Recovery.Enabled {
		return "", nil, ErrFeatureDisabled
	}
	var display string
	res, err := e.advance(ctx, token, func(rec *flowRecord) error {
		step, ok := rec.currentStep()
		if !ok || step.Kind != StepRecoveryEnroll {
			return ErrStepNotAllowed
		}
		code, err := e.replaceRecoveryCode(ctx, rec.User.ID, rec.Request.ClientID)
		if err != nil {
			return err
		}
		display = code
		rec.RecoveryIssued = true
		rec.User.HasRecoveryCode = true
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	if display == "" {
		return "", nil, ErrStepNotAllowed
	}
	return display, res, nil
}

// AcknowledgeRecoveryCode completes the RecoveryCodeEnroll step once the user confirmed
// saving the code shown by [Engine.BeginRecoveryCodeEnroll].
func (e *Engine) AcknowledgeRecoveryCode(ctx context.Context, token string) (*AuthorizeResult, error) {
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if rec.RecoveryDone {
			return errStepDone
		}
		step, ok := rec.currentStep()
		if !ok || step.Kind != StepRecoveryEnroll || !rec.RecoveryIssued {
			return ErrStepNotAllowed
		}
		rec.RecoveryDone = true
		return nil
	})
}

// RegenerateRecoveryCode replaces the user's recovery code. The previous code stops
// working immediately.
func (e *Engine) RegenerateRecoveryCode(ctx context.Context, userID string) (string, error) {
	if !e.config.Recovery.Enabled {
		return "", ErrFeatureDisabled
	}
	code, err := e.replaceRecoveryCode(ctx, userID, "")
	if err != nil {
		return "", err
	}
	e.metricInc(MetricRecoveryCodeRegenerated)
	return code, nil
}

func (e *Engine) replaceRecoveryCode(ctx context.Context, userID, clientID string) (string, error) {
	user, err := e.loadUser(ctx, userID)
	if err != nil {
		return "", err
	}
	display, hash, err := flows.NewRecoveryCode(user.ID, nil)
	if err != nil {
		return "", e.internalError("goidp: recovery code generation failed", err)
	}
	user.RecoveryCodeHash = hash
	if err := e.updateUser(ctx, user); err != nil {
		return "", err
	}
	e.emitAudit(ctx, auditEventRecoveryCodeIssued, true, user.ID, clientID, nil, nil)
	return display, nil
}
