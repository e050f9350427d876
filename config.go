package goIdP

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the complete engine configuration. Build it from [DefaultConfig] and
// override fields; [Builder.Build] validates it.
type Config struct {
	Token         TokenConfig
	Keys          KeysConfig
	Flow          FlowConfig
	Lockout       LockoutConfig
	MFA           MFAConfig
	EmailMFA      CodeChallengeConfig
	SMSMFA        CodeChallengeConfig
	OTP           OTPConfig
	Passkey       PasskeyConfig
	Recovery      RecoveryConfig
	Org           OrgConfig
	Session       SessionConfig
	Embedded      EmbeddedConfig
	PasswordReset CodeChallengeConfig
	Passwordless  CodeChallengeConfig
	Password      PasswordConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

/*
====================================
TOKEN CONFIG
====================================
*/

// TokenConfig controls token lifetimes and the refresh-token secret.
type TokenConfig struct {
	Issuer               string
	AuthorizationCodeTTL time.Duration
	AccessTTL            time.Duration
	S2SAccessTTL         time.Duration
	IDTokenTTL           time.Duration
	RefreshTTL           time.Duration
	RefreshSecret        []byte
	Leeway               time.Duration
}

/*
====================================
KEYS CONFIG
====================================
*/

// KeysConfig controls the RSA signing key ring.
type KeysConfig struct {
	RSABits   int
	RedisKey  string
	Bootstrap bool // generate a first key when none is stored
}

/*
====================================
FLOW CONFIG
====================================
*/

// FlowConfig controls continuation records.
type FlowConfig struct {
	// ContinuationTTL bounds every in-progress flow.
	ContinuationTTL time.Duration
	RedisPrefix     string
	Locales         []string
	DefaultLocale   string
	// BlockedPolicies lists authorize "policy" values rejected outright.
	BlockedPolicies []string
}

/*
====================================
LOCKOUT CONFIG
====================================
*/

// LockoutConfig controls the sign-in failure counter keyed by (email, client IP).
type LockoutConfig struct {
	Enabled       bool
	Threshold     int
	Window        time.Duration
	UnlockOnReset bool
}

/*
====================================
MFA CONFIG
====================================
*/

// MFAConfig is the system-wide MFA policy used by apps without an override.
type MFAConfig struct {
	RequireEmail     bool
	RequireOtp       bool
	RequireSms       bool
	AllowEmailBackup bool
	// EnforceOneOf forces enrollment of one of these factors when the user has none.
	EnforceOneOf []MfaFactor
}

// CodeChallengeConfig describes an emailed or texted numeric code: its shape, how often
// it may be sent and how many wrong guesses are tolerated.
type CodeChallengeConfig struct {
	Enabled       bool
	CodeDigits    int
	CodeTTL       time.Duration
	MaxSends      int
	SendWindow    time.Duration
	MaxFailures   int
	FailureWindow time.Duration
}

// OTPConfig controls TOTP.
type OTPConfig struct {
	Enabled       bool
	Issuer        string
	Digits        int
	Period        int
	Algorithm     string
	Skew          int
	MaxFailures   int
	FailureWindow time.Duration
}

// PasskeyConfig controls WebAuthn ceremonies.
type PasskeyConfig struct {
	Enabled      bool
	ChallengeTTL time.Duration
}

// RecoveryConfig controls the recovery-code enrollment step.
type RecoveryConfig struct {
	Enabled bool
	// RequireEnrollment adds the enrollment step for users without a recovery code.
	RequireEnrollment bool
}

// OrgConfig controls the org selection step.
type OrgConfig struct {
	Enabled bool
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig controls the browser session resume window. Zero disables it.
type SessionConfig struct {
	BrowserSessionTTL time.Duration
}

// EmbeddedConfig controls the embedded (no-redirect) API.
type EmbeddedConfig struct {
	Enabled        bool
	AllowedOrigins []string
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id cost parameters and the new-password policy.
type PasswordConfig struct {
	Memory         uint32 // in KB
	Time           uint32
	Parallelism    uint8
	SaltLength     uint32
	KeyLength      uint32
	UpgradeOnLogin bool
	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
}

/*
====================================
AUDIT & METRICS CONFIG
====================================
*/

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig controls in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

/*
====================================
DEFAULT CONFIG
====================================
*/

// DefaultConfig returns a configuration with conservative defaults. Issuer and
// RefreshSecret must still be set.
func DefaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AuthorizationCodeTTL: 5 * time.Minute,
			AccessTTL:            30 * time.Minute,
			S2SAccessTTL:         time.Hour,
			IDTokenTTL:           30 * time.Minute,
			RefreshTTL:           30 * 24 * time.Hour,
			Leeway:               30 * time.Second,
		},
		Keys: KeysConfig{
			RSABits:   2048,
			RedisKey:  "keys:ring",
			Bootstrap: true,
		},
		Flow: FlowConfig{
			ContinuationTTL: 10 * time.Minute,
			RedisPrefix:     "flow",
			Locales:         []string{"en"},
			DefaultLocale:   "en",
		},
		Lockout: LockoutConfig{
			Enabled:       true,
			Threshold:     5,
			Window:        30 * time.Minute,
			UnlockOnReset: true,
		},
		EmailMFA: CodeChallengeConfig{
			Enabled:       true,
			CodeDigits:    6,
			CodeTTL:       5 * time.Minute,
			MaxSends:      5,
			SendWindow:    30 * time.Minute,
			MaxFailures:   5,
			FailureWindow: 30 * time.Minute,
		},
		SMSMFA: CodeChallengeConfig{
			Enabled:       false,
			CodeDigits:    6,
			CodeTTL:       5 * time.Minute,
			MaxSends:      3,
			SendWindow:    30 * time.Minute,
			MaxFailures:   5,
			FailureWindow: 30 * time.Minute,
		},
		OTP: OTPConfig{
			Enabled:       true,
			Issuer:        "goIdP",
			Digits:        6,
			Period:        30,
			Algorithm:     "SHA1",
			Skew:          1,
			MaxFailures:   5,
			FailureWindow: 30 * time.Minute,
		},
		Passkey: PasskeyConfig{
			Enabled:      false,
			ChallengeTTL: 5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			Enabled:           true,
			RequireEnrollment: false,
		},
		Embedded: EmbeddedConfig{
			Enabled: false,
		},
		PasswordReset: CodeChallengeConfig{
			Enabled:       false,
			CodeDigits:    8,
			CodeTTL:       15 * time.Minute,
			MaxSends:      3,
			SendWindow:    time.Hour,
			MaxFailures:   5,
			FailureWindow: time.Hour,
		},
		Passwordless: CodeChallengeConfig{
			Enabled:       false,
			CodeDigits:    6,
			CodeTTL:       10 * time.Minute,
			MaxSends:      5,
			SendWindow:    30 * time.Minute,
			MaxFailures:   5,
			FailureWindow: 30 * time.Minute,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			UpgradeOnLogin: true,
			MinLength:      8,
			RequireUpper:   true,
			RequireLower:   true,
			RequireDigit:   true,
			RequireSymbol:  true,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.RefreshSecret = cloneBytes(cfg.Token.RefreshSecret)
	out.Flow.Locales = append([]string(nil), cfg.Flow.Locales...)
	out.Flow.BlockedPolicies = append([]string(nil), cfg.Flow.BlockedPolicies...)
	out.MFA.EnforceOneOf = append([]MfaFactor(nil), cfg.MFA.EnforceOneOf...)
	out.Embedded.AllowedOrigins = append([]string(nil), cfg.Embedded.AllowedOrigins...)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	// Token
	if strings.TrimSpace(c.Token.Issuer) == "" {
		return errors.New("Token Issuer is required")
	}
	if c.Token.AuthorizationCodeTTL <= 0 || c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("Token TTLs must be > 0")
	}
	if len(c.Token.RefreshSecret) < 32 {
		return errors.New("Token RefreshSecret must be at least 32 bytes")
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 2*time.Minute {
		return errors.New("Token Leeway must be between 0 and 2m")
	}

	// Keys
	if c.Keys.RSABits != 0 && c.Keys.RSABits < 2048 {
		return errors.New("Keys RSABits must be >= 2048")
	}

	// Flow
	if c.Flow.ContinuationTTL <= 0 {
		return errors.New("Flow ContinuationTTL must be > 0")
	}
	if len(c.Flow.Locales) == 0 {
		return errors.New("Flow Locales must not be empty")
	}
	if c.Flow.DefaultLocale != "" && !containsString(c.Flow.Locales, c.Flow.DefaultLocale) {
		return errors.New("Flow DefaultLocale must be one of Locales")
	}

	// Lockout
	if c.Lockout.Enabled && (c.Lockout.Threshold <= 0 || c.Lockout.Window <= 0) {
		return errors.New("Lockout Threshold and Window must be > 0 when enabled")
	}

	// MFA
	for _, f := range c.MFA.EnforceOneOf {
		if !f.Valid() {
			return fmt.Errorf("MFA EnforceOneOf contains unknown factor %q", f)
		}
	}
	if c.MFA.RequireEmail && !c.EmailMFA.Enabled {
		return errors.New("MFA RequireEmail needs EmailMFA enabled")
	}
	if c.MFA.RequireOtp && !c.OTP.Enabled {
		return errors.New("MFA RequireOtp needs OTP enabled")
	}
	if c.MFA.RequireSms && !c.SMSMFA.Enabled {
		return errors.New("MFA RequireSms needs SMSMFA enabled")
	}
	for name, cc := range map[string]CodeChallengeConfig{
		"EmailMFA":      c.EmailMFA,
		"SMSMFA":        c.SMSMFA,
		"PasswordReset": c.PasswordReset,
		"Passwordless":  c.Passwordless,
	} {
		if err := cc.validate(name); err != nil {
			return err
		}
	}

	// OTP
	if c.OTP.Enabled {
		if c.OTP.Digits != 6 && c.OTP.Digits != 8 {
			return errors.New("OTP Digits must be 6 or 8")
		}
		if c.OTP.Period <= 0 {
			return errors.New("OTP Period must be > 0")
		}
		if c.OTP.Skew < 0 || c.OTP.Skew > 3 {
			return errors.New("OTP Skew must be between 0 and 3")
		}
		switch strings.ToUpper(c.OTP.Algorithm) {
		case "SHA1", "SHA256", "SHA512":
		default:
			return errors.New("OTP Algorithm must be SHA1, SHA256 or SHA512")
		}
		if c.OTP.MaxFailures <= 0 || c.OTP.FailureWindow <= 0 {
			return errors.New("OTP MaxFailures and FailureWindow must be > 0")
		}
	}

	// Passkey
	if c.Passkey.Enabled && c.Passkey.ChallengeTTL <= 0 {
		return errors.New("Passkey ChallengeTTL must be > 0")
	}

	// Session
	if c.Session.BrowserSessionTTL < 0 {
		return errors.New("Session BrowserSessionTTL must be >= 0")
	}

	// Embedded
	if c.Embedded.Enabled && len(c.Embedded.AllowedOrigins) == 0 {
		return errors.New("Embedded AllowedOrigins must not be empty when enabled")
	}

	// Password
	if c.Password.Memory < 8*1024 {
		return errors.New("Password Memory must be >= 8192 KB")
	}
	if c.Password.Time < 1 || c.Password.Parallelism < 1 {
		return errors.New("Password Time and Parallelism must be >= 1")
	}
	if c.Password.SaltLength < 16 || c.Password.KeyLength < 16 {
		return errors.New("Password SaltLength and KeyLength must be >= 16")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0")
	}
	return nil
}

func (cc CodeChallengeConfig) validate(name string) error {
	if !cc.Enabled {
		return nil
	}
	if cc.CodeDigits < 6 || cc.CodeDigits > 10 {
		return fmt.Errorf("%s CodeDigits must be between 6 and 10", name)
	}
	if cc.CodeTTL <= 0 {
		return fmt.Errorf("%s CodeTTL must be > 0", name)
	}
	if cc.MaxSends <= 0 || cc.SendWindow <= 0 {
		return fmt.Errorf("%s MaxSends and SendWindow must be > 0", name)
	}
	if cc.MaxFailures <= 0 || cc.FailureWindow <= 0 {
		return fmt.Errorf("%s MaxFailures and FailureWindow must be > 0", name)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
