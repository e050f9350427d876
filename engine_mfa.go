package goIdP

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/MrEthical07/goIdP/internal"
	"github.com/MrEthical07/goIdP/internal/flows"
	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"go.uber.org/zap"
)

const (
	purposeEmailMfa = "email_mfa"
	purposeSmsMfa   = "sms_mfa"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// SelectMfaEnrollment picks the factor to enroll at an MfaEnroll step. Selecting OTP
// returns provisioning data; the secret is persisted only after the first valid code.
func (e *Engine) SelectMfaEnrollment(ctx context.Context, token string, factor MfaFactor) (*AuthorizeResult, error) {
	var prov *OtpProvisioning
	res, err := e.advance(ctx, token, func(rec *flowRecord) error {
		if !factor.Valid() || !e.factorEnabled(factor) {
			return ErrStepNotAllowed
		}
		if rec.Pending == factor {
			if factor == MfaOtp && rec.OtpSecret != "" {
				prov = e.otpProvisioning(rec)
			}
			return errStepDone
		}
		step, ok := rec.currentStep()
		if !ok || step.Kind != StepMfaEnroll || !flows.FactorSet(step.Options).Has(factor) {
			return ErrStepNotAllowed
		}

		rec.Pending = factor
		if factor == MfaOtp {
			secret, err := e.otp.NewSecret()
			if err != nil {
				return e.internalError("goidp: otp secret generation failed", err)
			}
			rec.OtpSecret = secret
			prov = e.otpProvisioning(rec)
		}
		e.emitAudit(ctx, auditEventMfaEnrollSelected, true, rec.User.ID, rec.Request.ClientID, nil, func() map[string]string {
			return map[string]string{"factor": string(factor)}
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Otp = prov
	return res, nil
}

func (e *Engine) otpProvisioning(rec *flowRecord) *OtpProvisioning {
	return &OtpProvisioning{
		Secret: rec.OtpSecret,
		URI:    e.otp.ProvisionURI(rec.OtpSecret, rec.User.Email),
	}
}

// VerifyOtpMfa checks a TOTP code at an MfaVerify(otp) step. A wrong code counts
// against the OTP failure limit and leaves the flow where it was.
func (e *Engine) VerifyOtpMfa(ctx context.Context, token, code string) (*AuthorizeResult, error) {
	if !e.config.OTP.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if flows.FactorSet(rec.Verified).Has(MfaOtp) {
			return errStepDone
		}
		if !flows.CanVerify(rec.stepState(), MfaOtp) {
			return ErrStepNotAllowed
		}
		userID := rec.User.ID

		locked, err := e.guardCheck(ctx, rate.ActionOtpFailure, userID, "")
		if err != nil {
			return err
		}
		if locked {
			e.emitRateLimit(ctx, string(rate.ActionOtpFailure), userID, rec.Request.ClientID)
			e.emitAudit(ctx, auditEventMfaLocked, false, userID, rec.Request.ClientID, ErrMfaLocked, otpMeta)
			return ErrMfaLocked
		}

		enrolling := rec.Pending == MfaOtp && rec.OtpSecret != ""
		secret := rec.OtpSecret
		var user *User
		if !enrolling {
			if user, err = e.loadUser(ctx, userID); err != nil {
				return err
			}
			secret = user.OtpSecret
		}

		ok, counter, err := e.otp.Verify(secret, code, time.Now())
		if err != nil {
			return e.internalError("goidp: otp verify failed", err, zap.String("user_id", userID))
		}
		if ok {
			accepted, err := e.otpCounters.Advance(ctx, userID, counter, e.otp.CounterTTL())
			if err != nil {
				return e.internalError("goidp: otp replay check failed", err, zap.String("user_id", userID))
			}
			ok = accepted
		}
		if !ok {
			e.guardIncrement(ctx, rate.ActionOtpFailure, userID, "")
			e.recordFactor(MfaOtp, false)
			e.emitAudit(ctx, auditEventMfaFailure, false, userID, rec.Request.ClientID, ErrInvalidMfaCode, otpMeta)
			return ErrInvalidMfaCode
		}

		if enrolling {
			if user, err = e.loadUser(ctx, userID); err != nil {
				return err
			}
			user.OtpSecret = secret
			user.MfaTypes = flows.FactorSet(user.MfaTypes).With(MfaOtp)
			if err := e.updateUser(ctx, user); err != nil {
				return err
			}
			rec.enroll(MfaOtp)
			rec.OtpSecret = ""
			e.metricInc(MetricMfaEnrolled)
			e.emitAudit(ctx, auditEventMfaEnrolled, true, userID, rec.Request.ClientID, nil, otpMeta)
		}

		rec.verify(MfaOtp)
		e.recordFactor(MfaOtp, true)
		e.emitAudit(ctx, auditEventMfaSuccess, true, userID, rec.Request.ClientID, nil, otpMeta)
		return nil
	})
}

func otpMeta() map[string]string {
	return map[string]string{"factor": string(MfaOtp)}
}

// SendEmailMfaCode emails a verification code for the current email step, or for an
// OTP step when email backup is allowed.
func (e *Engine) SendEmailMfaCode(ctx context.Context, token string) error {
	if !e.config.EmailMFA.Enabled {
		return ErrFeatureDisabled
	}
	rec, _, err := e.loadFlow(ctx, token)
	if err != nil {
		return err
	}
	if rec.User == nil || rec.Issued != nil || !flows.CanVerify(rec.stepState(), MfaEmail) {
		return ErrStepNotAllowed
	}
	userID := rec.User.ID

	limited, err := e.guardHit(ctx, rate.ActionEmailMfaSend, userID, "")
	if err != nil {
		return err
	}
	if limited {
		e.emitRateLimit(ctx, string(rate.ActionEmailMfaSend), userID, rec.Request.ClientID)
		return ErrSendLimit
	}

	code, err := internal.NewOTP(e.config.EmailMFA.CodeDigits)
	if err != nil {
		return e.internalError("goidp: code generation failed", err)
	}
	if err := e.codes.Put(ctx, purposeEmailMfa, token, internal.DigestCode(purposeEmailMfa, token, code), e.config.EmailMFA.CodeTTL); err != nil {
		return e.internalError("goidp: email mfa code store failed", err)
	}

	ok := e.emailSender.Send(ctx, rec.User.Email, "Your verification code is "+code)
	e.emitAudit(ctx, auditEventEmailMfaSent, ok, userID, rec.Request.ClientID, nil, nil)
	if !ok {
		return ErrDeliveryFailed
	}
	return nil
}

// VerifyEmailMfa checks an emailed code. With email backup allowed, a valid code also
// satisfies an OTP step for a user who already enrolled OTP.
func (e *Engine) VerifyEmailMfa(ctx context.Context, token, code string) (*AuthorizeResult, error) {
	if !e.config.EmailMFA.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		st := rec.stepState()
		if !flows.CanVerify(st, MfaEmail) {
			if st.Verified.Has(MfaEmail) {
				return errStepDone
			}
			return ErrStepNotAllowed
		}
		step, _ := rec.currentStep()
		if step.Factor == MfaOtp && rec.Pending == MfaOtp {
			return ErrStepNotAllowed
		}
		userID := rec.User.ID

		matched, err := e.consumeCode(ctx, rec, purposeEmailMfa, token, code, rate.ActionEmailMfaFailure, MfaEmail)
		if err != nil {
			return err
		}
		if !matched {
			return ErrInvalidMfaCode
		}

		if step.Factor == MfaOtp {
			rec.verify(MfaOtp)
		} else {
			if rec.Pending == MfaEmail {
				if err := e.persistFactor(ctx, rec, MfaEmail, nil); err != nil {
					return err
				}
			}
			rec.verify(MfaEmail)
		}
		e.recordFactor(MfaEmail, true)
		e.emitAudit(ctx, auditEventMfaSuccess, true, userID, rec.Request.ClientID, nil, func() map[string]string {
			return map[string]string{"factor": string(MfaEmail), "satisfied": string(step.Factor)}
		})
		return nil
	})
}

// consumeCode checks a stored code under the failure limit of action. A miss counts
// one failure; a lock is reported as ErrMfaLocked.
func (e *Engine) consumeCode(
	ctx context.Context,
	rec *flowRecord,
	purpose, subject, code string,
	action rate.Action,
	factor MfaFactor,
) (bool, error) {
	userID := rec.User.ID
	locked, err := e.guardCheck(ctx, action, userID, "")
	if err != nil {
		return false, err
	}
	meta := func() map[string]string { return map[string]string{"factor": string(factor)} }
	if locked {
		e.emitRateLimit(ctx, string(action), userID, rec.Request.ClientID)
		e.emitAudit(ctx, auditEventMfaLocked, false, userID, rec.Request.ClientID, ErrMfaLocked, meta)
		return false, ErrMfaLocked
	}

	matched, err := e.codes.Consume(ctx, purpose, subject, internal.DigestCode(purpose, subject, code))
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		return false, e.internalError("goidp: code lookup failed", err, zap.String("purpose", purpose))
	}
	if !matched {
		e.guardIncrement(ctx, action, userID, "")
		e.recordFactor(factor, false)
		e.emitAudit(ctx, auditEventMfaFailure, false, userID, rec.Request.ClientID, ErrInvalidMfaCode, meta)
	}
	return matched, nil
}

// persistFactor records a newly enrolled factor on the user and in the flow.
func (e *Engine) persistFactor(ctx context.Context, rec *flowRecord, factor MfaFactor, mutate func(*User)) error {
	user, err := e.loadUser(ctx, rec.User.ID)
	if err != nil {
		return err
	}
	user.MfaTypes = flows.FactorSet(user.MfaTypes).With(factor)
	if mutate != nil {
		mutate(user)
	}
	if err := e.updateUser(ctx, user); err != nil {
		return err
	}
	rec.enroll(factor)
	e.metricInc(MetricMfaEnrolled)
	e.emitAudit(ctx, auditEventMfaEnrolled, true, user.ID, rec.Request.ClientID, nil, func() map[string]string {
		return map[string]string{"factor": string(factor)}
	})
	return nil
}

// SetupSmsMfa sets the phone number an SMS enrollment will verify. It also selects
// SMS when called at an MfaEnroll step offering it.
func (e *Engine) SetupSmsMfa(ctx context.Context, token, phone string) (*AuthorizeResult, error) {
	if !e.config.SMSMFA.Enabled {
		return nil, ErrFeatureDisabled
	}
	if !e164.MatchString(phone) {
		return nil, ErrInvalidPhone
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		if rec.User != nil && flows.FactorSet(rec.User.Enrolled).Has(MfaSms) {
			return ErrStepNotAllowed
		}
		if rec.Pending == MfaSms && rec.Phone == phone {
			return errStepDone
		}
		step, ok := rec.currentStep()
		if !ok {
			return ErrStepNotAllowed
		}
		switch {
		case step.Kind == StepMfaEnroll && flows.FactorSet(step.Options).Has(MfaSms):
			rec.Pending = MfaSms
		case step.Kind == StepMfaVerify && step.Factor == MfaSms && rec.Pending == MfaSms:
		default:
			return ErrStepNotAllowed
		}
		rec.Phone = phone
		return nil
	})
}

// SendSmsMfaCode texts a verification code for the current SMS step.
func (e *Engine) SendSmsMfaCode(ctx context.Context, token string) error {
	if !e.config.SMSMFA.Enabled {
		return ErrFeatureDisabled
	}
	rec, _, err := e.loadFlow(ctx, token)
	if err != nil {
		return err
	}
	if rec.User == nil || rec.Issued != nil || !flows.CanVerify(rec.stepState(), MfaSms) {
		return ErrStepNotAllowed
	}
	userID := rec.User.ID

	phone := rec.Phone
	if flows.FactorSet(rec.User.Enrolled).Has(MfaSms) {
		user, err := e.loadUser(ctx, userID)
		if err != nil {
			return err
		}
		phone = user.Phone
	}
	if phone == "" {
		return ErrInvalidPhone
	}

	limited, err := e.guardHit(ctx, rate.ActionSmsSend, userID, "")
	if err != nil {
		return err
	}
	if limited {
		e.emitRateLimit(ctx, string(rate.ActionSmsSend), userID, rec.Request.ClientID)
		return ErrSendLimit
	}

	code, err := internal.NewOTP(e.config.SMSMFA.CodeDigits)
	if err != nil {
		return e.internalError("goidp: code generation failed", err)
	}
	if err := e.codes.Put(ctx, purposeSmsMfa, token, internal.DigestCode(purposeSmsMfa, token, code), e.config.SMSMFA.CodeTTL); err != nil {
		return e.internalError("goidp: sms code store failed", err)
	}

	report := deliver(ctx, e.smsSender, phone, "Your verification code is "+code)
	receiver := maskPhone(phone)
	e.logger.Info("goidp: sms sent",
		zap.String("user_id", userID),
		zap.String("receiver", receiver),
		zap.Bool("success", report.OK),
		zap.String("provider_response", report.Response),
	)
	e.emitAudit(ctx, auditEventSmsSent, report.OK, userID, rec.Request.ClientID, nil, func() map[string]string {
		meta := map[string]string{"receiver": receiver}
		if report.Response != "" {
			meta["provider_response"] = report.Response
		}
		return meta
	})
	if !report.OK {
		return ErrDeliveryFailed
	}
	return nil
}

// VerifySmsMfa checks a texted code. The first valid code of an enrollment stores
// the phone number on the user.
func (e *Engine) VerifySmsMfa(ctx context.Context, token, code string) (*AuthorizeResult, error) {
	if !e.config.SMSMFA.Enabled {
		return nil, ErrFeatureDisabled
	}
	return e.advance(ctx, token, func(rec *flowRecord) error {
		st := rec.stepState()
		if st.Verified.Has(MfaSms) {
			return errStepDone
		}
		if !flows.CanVerify(st, MfaSms) {
			return ErrStepNotAllowed
		}

		matched, err := e.consumeCode(ctx, rec, purposeSmsMfa, token, code, rate.ActionSmsFailure, MfaSms)
		if err != nil {
			return err
		}
		if !matched {
			return ErrInvalidMfaCode
		}

		if !st.Enrolled.Has(MfaSms) {
			phone := rec.Phone
			if err := e.persistFactor(ctx, rec, MfaSms, func(u *User) { u.Phone = phone }); err != nil {
				return err
			}
			rec.Phone = ""
		}
		rec.verify(MfaSms)
		e.recordFactor(MfaSms, true)
		e.emitAudit(ctx, auditEventMfaSuccess, true, rec.User.ID, rec.Request.ClientID, nil, func() map[string]string {
			return map[string]string{"factor": string(MfaSms)}
		})
		return nil
	})
}

func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
