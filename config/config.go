// Package config loads server settings from GOIDP_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/MrEthical07/goIdP"
)

// ServerConfig is everything cmd/goidp-server reads from the environment.
type ServerConfig struct {
	Addr            string        `env:"GOIDP_ADDR"             envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"GOIDP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"GOIDP_LOG_LEVEL"        envDefault:"info"`
	LogDevelopment  bool          `env:"GOIDP_LOG_DEVELOPMENT"`

	// RedisURL empty starts an in-process miniredis, for development only.
	RedisURL   string `env:"GOIDP_REDIS_URL"`
	SQLitePath string `env:"GOIDP_SQLITE_PATH" envDefault:"goidp.db"`

	HTTP     HTTPConfig
	Token    TokenEnv
	MFA      MFAEnv
	Lockout  LockoutEnv
	Features FeatureEnv
	Passkey  PasskeyEnv
	SAML     SAMLEnv
	Notify   NotifyEnv
	Metrics  MetricsEnv
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	TrustProxy     bool     `env:"GOIDP_TRUST_PROXY"`
	ThrottleRPM    int      `env:"GOIDP_THROTTLE_RPM"     envDefault:"120"`
	SignInPage     string   `env:"GOIDP_SIGN_IN_PAGE"`
	SessionCookie  string   `env:"GOIDP_SESSION_COOKIE"   envDefault:"goidp_session"`
	InsecureCookie bool     `env:"GOIDP_INSECURE_COOKIES"`
	EmbeddedOrigin []string `env:"GOIDP_EMBEDDED_ORIGINS" envSeparator:","`
}

// TokenEnv maps onto goIdP.TokenConfig.
type TokenEnv struct {
	Issuer        string        `env:"GOIDP_ISSUER,required"`
	RefreshSecret string        `env:"GOIDP_REFRESH_SECRET,required,unset"`
	AccessTTL     time.Duration `env:"GOIDP_ACCESS_TTL"      envDefault:"30m"`
	IDTokenTTL    time.Duration `env:"GOIDP_ID_TOKEN_TTL"    envDefault:"30m"`
	RefreshTTL    time.Duration `env:"GOIDP_REFRESH_TTL"     envDefault:"720h"`
	S2SAccessTTL  time.Duration `env:"GOIDP_S2S_ACCESS_TTL"  envDefault:"1h"`
	SessionTTL    time.Duration `env:"GOIDP_SESSION_TTL"     envDefault:"0s"`
	FlowTTL       time.Duration `env:"GOIDP_FLOW_TTL"        envDefault:"10m"`
	Locales       []string      `env:"GOIDP_LOCALES"         envDefault:"en" envSeparator:","`
	DefaultLocale string        `env:"GOIDP_DEFAULT_LOCALE"  envDefault:"en"`
	Blocked       []string      `env:"GOIDP_BLOCKED_POLICIES" envSeparator:","`
}

// MFAEnv maps onto goIdP.MFAConfig.
type MFAEnv struct {
	RequireEmail     bool     `env:"GOIDP_MFA_REQUIRE_EMAIL"`
	RequireOtp       bool     `env:"GOIDP_MFA_REQUIRE_OTP"`
	RequireSms       bool     `env:"GOIDP_MFA_REQUIRE_SMS"`
	AllowEmailBackup bool     `env:"GOIDP_MFA_ALLOW_EMAIL_BACKUP"`
	EnforceOneOf     []string `env:"GOIDP_MFA_ENFORCE_ONE_OF" envSeparator:","`
	OtpIssuer        string   `env:"GOIDP_OTP_ISSUER"         envDefault:"goIdP"`
}

// LockoutEnv maps onto goIdP.LockoutConfig.
type LockoutEnv struct {
	Enabled   bool          `env:"GOIDP_LOCKOUT_ENABLED"   envDefault:"true"`
	Threshold int           `env:"GOIDP_LOCKOUT_THRESHOLD" envDefault:"5"`
	Window    time.Duration `env:"GOIDP_LOCKOUT_WINDOW"    envDefault:"30m"`
}

// FeatureEnv switches optional flows on and off.
type FeatureEnv struct {
	SMS             bool `env:"GOIDP_ENABLE_SMS_MFA"`
	Passkeys        bool `env:"GOIDP_ENABLE_PASSKEYS"`
	Recovery        bool `env:"GOIDP_ENABLE_RECOVERY_CODES"   envDefault:"true"`
	RequireRecovery bool `env:"GOIDP_REQUIRE_RECOVERY_CODE"`
	Orgs            bool `env:"GOIDP_ENABLE_ORG_SELECTION"`
	Embedded        bool `env:"GOIDP_ENABLE_EMBEDDED"`
	PasswordReset   bool `env:"GOIDP_ENABLE_PASSWORD_RESET"`
	Passwordless    bool `env:"GOIDP_ENABLE_PASSWORDLESS"`
	Audit           bool `env:"GOIDP_ENABLE_AUDIT"`

	// AuditFile additionally appends audit events as JSON lines.
	AuditFile string `env:"GOIDP_AUDIT_FILE"`
}

// PasskeyEnv holds WebAuthn relying party settings.
type PasskeyEnv struct {
	RPID          string        `env:"GOIDP_WEBAUTHN_RP_ID"`
	RPDisplayName string        `env:"GOIDP_WEBAUTHN_RP_DISPLAY_NAME"`
	RPOrigins     []string      `env:"GOIDP_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"GOIDP_WEBAUTHN_CHALLENGE_TTL"   envDefault:"5m"`
}

// SAMLEnv configures the SAML bridge. It is mounted only when Enabled.
type SAMLEnv struct {
	Enabled        bool   `env:"GOIDP_SAML_ENABLED"`
	CertFile       string `env:"GOIDP_SAML_CERT_FILE"`
	KeyFile        string `env:"GOIDP_SAML_KEY_FILE"`
	TrackingSecret string `env:"GOIDP_SAML_TRACKING_SECRET,unset"`
}

// NotifyEnv selects how email and SMS are delivered. Empty webhook URLs log
// messages instead.
type NotifyEnv struct {
	EmailWebhook  string `env:"GOIDP_EMAIL_WEBHOOK_URL"`
	SMSWebhook    string `env:"GOIDP_SMS_WEBHOOK_URL"`
	WebhookSecret string `env:"GOIDP_WEBHOOK_SECRET,unset"`
}

// MetricsEnv controls the metrics surface.
type MetricsEnv struct {
	Enabled    bool   `env:"GOIDP_METRICS_ENABLED"`
	Histograms bool   `env:"GOIDP_METRICS_HISTOGRAMS"`
	Addr       string `env:"GOIDP_METRICS_ADDR" envDefault:":9090"`
}

// Load parses the process environment.
func Load() (*ServerConfig, error) {
	return parse(env.Options{})
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (*ServerConfig, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if len(c.Token.RefreshSecret) < 32 {
		return errors.New("GOIDP_REFRESH_SECRET must be at least 32 bytes")
	}
	if c.HTTP.ThrottleRPM < 0 {
		return errors.New("GOIDP_THROTTLE_RPM must be >= 0")
	}
	if c.Features.Passkeys && (c.Passkey.RPID == "" || len(c.Passkey.RPOrigins) == 0) {
		return errors.New("passkeys require GOIDP_WEBAUTHN_RP_ID and GOIDP_WEBAUTHN_RP_ORIGINS")
	}
	if c.SAML.Enabled && len(c.SAML.TrackingSecret) < 32 {
		return errors.New("GOIDP_SAML_TRACKING_SECRET must be at least 32 bytes")
	}
	if (c.Notify.EmailWebhook != "" || c.Notify.SMSWebhook != "") && len(c.Notify.WebhookSecret) < 32 {
		return errors.New("GOIDP_WEBHOOK_SECRET must be at least 32 bytes")
	}
	for _, f := range c.MFA.EnforceOneOf {
		if !goIdP.MfaFactor(strings.TrimSpace(f)).Valid() {
			return fmt.Errorf("GOIDP_MFA_ENFORCE_ONE_OF: unknown factor %q", f)
		}
	}
	return nil
}

// EngineConfig applies the environment over goIdP.DefaultConfig. The engine
// validates the result when it is built.
func (c *ServerConfig) EngineConfig() goIdP.Config {
	cfg := goIdP.DefaultConfig()

	cfg.Token.Issuer = strings.TrimRight(c.Token.Issuer, "/")
	cfg.Token.RefreshSecret = []byte(c.Token.RefreshSecret)
	cfg.Token.AccessTTL = c.Token.AccessTTL
	cfg.Token.IDTokenTTL = c.Token.IDTokenTTL
	cfg.Token.RefreshTTL = c.Token.RefreshTTL
	cfg.Token.S2SAccessTTL = c.Token.S2SAccessTTL

	cfg.Flow.ContinuationTTL = c.Token.FlowTTL
	cfg.Flow.Locales = c.Token.Locales
	cfg.Flow.DefaultLocale = c.Token.DefaultLocale
	cfg.Flow.BlockedPolicies = c.Token.Blocked
	cfg.Session.BrowserSessionTTL = c.Token.SessionTTL

	cfg.Lockout.Enabled = c.Lockout.Enabled
	cfg.Lockout.Threshold = c.Lockout.Threshold
	cfg.Lockout.Window = c.Lockout.Window

	cfg.MFA.RequireEmail = c.MFA.RequireEmail
	cfg.MFA.RequireOtp = c.MFA.RequireOtp
	cfg.MFA.RequireSms = c.MFA.RequireSms
	cfg.MFA.AllowEmailBackup = c.MFA.AllowEmailBackup
	for _, f := range c.MFA.EnforceOneOf {
		cfg.MFA.EnforceOneOf = append(cfg.MFA.EnforceOneOf, goIdP.MfaFactor(strings.TrimSpace(f)))
	}
	cfg.OTP.Issuer = c.MFA.OtpIssuer

	cfg.SMSMFA.Enabled = c.Features.SMS
	cfg.Passkey.Enabled = c.Features.Passkeys
	cfg.Passkey.ChallengeTTL = c.Passkey.ChallengeTTL
	cfg.Recovery.Enabled = c.Features.Recovery
	cfg.Recovery.RequireEnrollment = c.Features.RequireRecovery
	cfg.Org.Enabled = c.Features.Orgs
	cfg.Embedded.Enabled = c.Features.Embedded
	cfg.Embedded.AllowedOrigins = c.HTTP.EmbeddedOrigin
	cfg.PasswordReset.Enabled = c.Features.PasswordReset
	cfg.Passwordless.Enabled = c.Features.Passwordless
	cfg.Audit.Enabled = c.Features.Audit

	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.EnableLatencyHistograms = c.Metrics.Histograms
	return cfg
}
