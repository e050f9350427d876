package goIdP

import (
	"context"
	"errors"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"go.uber.org/zap"
)

const purposePasswordReset = "password_reset"

// RequestPasswordReset emails a reset code. The result is the same whether or not the
// address has an account.
func (e *Engine) RequestPasswordReset(ctx context.Context, rawEmail string) error {
	if !e.config.PasswordReset.Enabled {
		return ErrFeatureDisabled
	}
	email := normalizeEmail(rawEmail)
	if email == "" {
		return ErrInvalidRequest
	}

	limited, err := e.guardHit(ctx, rate.ActionPasswordResetRequest, email, "")
	if err != nil {
		return err
	}
	if limited {
		e.emitRateLimit(ctx, string(rate.ActionPasswordResetRequest), "", "")
		return ErrSendLimit
	}
	e.metricInc(MetricPasswordResetRequest)

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

	code, err := internal.NewOTP(e.config.PasswordReset.CodeDigits)
	if err != nil {
		return e.internalError("goidp: code generation failed", err)
	}
	digest := internal.DigestCode(purposePasswordReset, email, code)
	if err := e.codes.Put(ctx, purposePasswordReset, email, digest, e.config.PasswordReset.CodeTTL); err != nil {
		return e.internalError("goidp: reset code store failed", err)
	}

	ok := e.emailSender.Send(ctx, user.Email, "Your password reset code is "+code)
	if !ok {
		e.logger.Warn("goidp: reset code delivery failed", zap.String("user_id", user.ID))
	}
	e.emitAudit(ctx, auditEventPasswordResetRequest, ok, user.ID, "", nil, nil)
	return nil
}

// ConfirmPasswordReset sets a new password when code matches. With unlock-on-reset
// enabled the sign-in lockout counters of the email are cleared for every origin.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, rawEmail, code, newPassword string) error {
	if !e.config.PasswordReset.Enabled {
		return ErrFeatureDisabled
	}
	email := normalizeEmail(rawEmail)
	if email == "" {
		return ErrInvalidResetCode
	}

	locked, err := e.guardCheck(ctx, rate.ActionPasswordResetFailure, email, "")
	if err != nil {
		return err
	}
	if locked {
		e.emitRateLimit(ctx, string(rate.ActionPasswordResetFailure), "", "")
		return ErrResetLocked
	}
	if err := e.passwordPolicy.Check(newPassword); err != nil {
		return ErrPasswordPolicy.wrap(err)
	}

	matched, err := e.codes.Consume(ctx, purposePasswordReset, email, internal.DigestCode(purposePasswordReset, email, code))
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return e.internalError("goidp: reset code lookup failed", err)
	}
	if !matched {
		e.guardIncrement(ctx, rate.ActionPasswordResetFailure, email, "")
		e.metricInc(MetricPasswordResetFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, false, "", "", ErrInvalidResetCode, nil)
		return ErrInvalidResetCode
	}

	user, err := e.store.GetUserByEmail(ctx, email)
	if err != nil {
		if isStoreNotFound(err) {
			return ErrInvalidResetCode
		}
		return e.internalError("goidp: user lookup failed", err)
	}
	hash, err := e.passwordHash.Hash(newPassword)
	if err != nil {
		return e.internalError("goidp: password hash failed", err)
	}
	user.PasswordHash = hash
	if err := e.updateUser(ctx, user); err != nil {
		return err
	}

	if err := e.guard.Clear(ctx, rate.ActionPasswordResetFailure, email, ""); err != nil {
		e.logger.Warn("goidp: reset counter clear failed", zap.Error(err))
	}
	if e.config.Lockout.UnlockOnReset {
		if err := e.guard.ClearIdentity(ctx, rate.ActionSignInFailure, email); err != nil {
			e.logger.Warn("goidp: lockout clear failed", zap.String("user_id", user.ID), zap.Error(err))
		}
	}

	e.metricInc(MetricPasswordResetSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, true, user.ID, "", nil, nil)
	return nil
}
