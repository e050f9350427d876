package goIdP

import (
	"slices"
	"time"
)

// SecurityReport summarizes the security-relevant settings an engine runs with.
type SecurityReport struct {
	SigningAlgorithm      string
	RSABits               int
	AccessTTL             time.Duration
	IDTokenTTL            time.Duration
	RefreshTTL            time.Duration
	AuthorizationCodeTTL  time.Duration
	Argon2                PasswordConfigReport
	LockoutActive         bool
	MfaRequired           []MfaFactor
	MfaEnforceOneOf       []MfaFactor
	EmailBackupAllowed    bool
	OtpEnabled            bool
	SmsEnabled            bool
	PasskeysEnabled       bool
	RecoveryCodesEnabled  bool
	BrowserSessionsActive bool
	EmbeddedActive        bool
	EmbeddedAnyOrigin     bool
	PasswordResetActive   bool
	PasswordlessActive    bool
}

// PasswordConfigReport mirrors the argon2id cost parameters.
type PasswordConfigReport struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	cfg := e.config

	var required []MfaFactor
	if cfg.MFA.RequireEmail {
		required = append(required, MfaEmail)
	}
	if cfg.MFA.RequireOtp {
		required = append(required, MfaOtp)
	}
	if cfg.MFA.RequireSms {
		required = append(required, MfaSms)
	}

	return SecurityReport{
		SigningAlgorithm:     "RS256",
		RSABits:              cfg.Keys.RSABits,
		AccessTTL:            cfg.Token.AccessTTL,
		IDTokenTTL:           cfg.Token.IDTokenTTL,
		RefreshTTL:           cfg.Token.RefreshTTL,
		AuthorizationCodeTTL: cfg.Token.AuthorizationCodeTTL,
		Argon2: PasswordConfigReport{
			Memory:      cfg.Password.Memory,
			Time:        cfg.Password.Time,
			Parallelism: cfg.Password.Parallelism,
			SaltLength:  cfg.Password.SaltLength,
			KeyLength:   cfg.Password.KeyLength,
		},
		LockoutActive:         cfg.Lockout.Enabled && cfg.Lockout.Threshold > 0,
		MfaRequired:           required,
		MfaEnforceOneOf:       slices.Clone(cfg.MFA.EnforceOneOf),
		EmailBackupAllowed:    cfg.MFA.AllowEmailBackup,
		OtpEnabled:            cfg.OTP.Enabled,
		SmsEnabled:            cfg.SMSMFA.Enabled,
		PasskeysEnabled:       cfg.Passkey.Enabled,
		RecoveryCodesEnabled:  cfg.Recovery.Enabled,
		BrowserSessionsActive: cfg.Session.BrowserSessionTTL > 0,
		EmbeddedActive:        cfg.Embedded.Enabled,
		EmbeddedAnyOrigin:     cfg.Embedded.Enabled && slices.Contains(cfg.Embedded.AllowedOrigins, "*"),
		PasswordResetActive:   cfg.PasswordReset.Enabled,
		PasswordlessActive:    cfg.Passwordless.Enabled,
	}
}
