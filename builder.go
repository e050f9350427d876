package goIdP

import (
	"errors"

	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/MrEthical07/goIdP/password"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Builder assembles an [Engine]. Configure it once during startup; Build may be
// called only once.
type Builder struct {
	config Config
	redis  redis.UniversalClient
	store  Store

	emailSender Sender
	smsSender   Sender
	passkeys    PasskeyProvider
	auditSink   AuditSink
	logger      *zap.Logger

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{config: DefaultConfig()}
}

// WithConfig replaces the configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the key-value cache holding flows, codes, counters and keys.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithStore sets the relational store.
func (b *Builder) WithStore(store Store) *Builder {
	b.store = store
	return b
}

// WithEmailSender sets the email collaborator used for MFA, passwordless and reset codes.
func (b *Builder) WithEmailSender(s Sender) *Builder {
	b.emailSender = s
	return b
}

// WithSMSSender sets the SMS collaborator.
func (b *Builder) WithSMSSender(s Sender) *Builder {
	b.smsSender = s
	return b
}

// WithPasskeyProvider enables WebAuthn ceremonies.
func (b *Builder) WithPasskeyProvider(p PasskeyProvider) *Builder {
	b.passkeys = p
	return b
}

// WithAuditSink sets where audit events go when auditing is enabled.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the infrastructure logger. The default discards everything.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsEnabled toggles in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles the token endpoint latency histogram.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires every component.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}
	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.store == nil {
		return nil, errors.New("store required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Passkey.Enabled && b.passkeys == nil {
		return nil, errors.New("Passkey enabled but no passkey provider configured")
	}
	if cfg.SMSMFA.Enabled && b.smsSender == nil {
		return nil, errors.New("SMSMFA enabled but no SMS sender configured")
	}
	if b.emailSender == nil && (cfg.EmailMFA.Enabled || cfg.Passwordless.Enabled || cfg.PasswordReset.Enabled) {
		return nil, errors.New("email features enabled but no email sender configured")
	}

	logger := b.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := &Engine{
		config:          cfg,
		store:           b.store,
		emailSender:     b.emailSender,
		smsSender:       b.smsSender,
		passkeys:        b.passkeys,
		logger:          logger.Named("goidp"),
		flows:           stores.NewFlowStore(b.redis, cfg.Flow.RedisPrefix),
		authCodes:       stores.NewBlobStore(b.redis, "ac"),
		refreshTokens:   stores.NewBlobStore(b.redis, "rt"),
		browserSessions: stores.NewBlobStore(b.redis, "bs"),
		ceremonies:      stores.NewBlobStore(b.redis, "pk"),
		recoveryUses:    stores.NewBlobStore(b.redis, "rcu"),
		codes:           stores.NewCodeStore(b.redis, "otc"),
		otpCounters:     stores.NewCounterStore(b.redis, "otpctr"),
		keyStore:        stores.NewKeyRingStore(b.redis, cfg.Keys.RedisKey),
		guard:           rate.New(b.redis, guardRules(cfg)),
		otp:             newTOTP(cfg.OTP),
		audit:           newAuditDispatcher(cfg.Audit, b.auditSink),
		metrics:         NewMetrics(cfg.Metrics),
		passwordPolicy: password.Policy{
			MinLength:     cfg.Password.MinLength,
			MaxBytes:      1024,
			RequireUpper:  cfg.Password.RequireUpper,
			RequireLower:  cfg.Password.RequireLower,
			RequireDigit:  cfg.Password.RequireDigit,
			RequireSymbol: cfg.Password.RequireSymbol,
		},
	}

	ph, err := password.NewArgon2(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		Issuer:        cfg.Token.Issuer,
		AccessTTL:     cfg.Token.AccessTTL,
		S2SAccessTTL:  cfg.Token.S2SAccessTTL,
		IDTokenTTL:    cfg.Token.IDTokenTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		RefreshSecret: cloneBytes(cfg.Token.RefreshSecret),
		Leeway:        cfg.Token.Leeway,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	b.built = true
	return engine, nil
}

func guardRules(cfg Config) map[rate.Action]rate.Rule {
	rules := map[rate.Action]rate.Rule{
		rate.ActionOtpFailure:           {Limit: cfg.OTP.MaxFailures, Window: cfg.OTP.FailureWindow},
		rate.ActionEmailMfaSend:         {Limit: cfg.EmailMFA.MaxSends, Window: cfg.EmailMFA.SendWindow},
		rate.ActionEmailMfaFailure:      {Limit: cfg.EmailMFA.MaxFailures, Window: cfg.EmailMFA.FailureWindow},
		rate.ActionSmsSend:              {Limit: cfg.SMSMFA.MaxSends, Window: cfg.SMSMFA.SendWindow},
		rate.ActionSmsFailure:           {Limit: cfg.SMSMFA.MaxFailures, Window: cfg.SMSMFA.FailureWindow},
		rate.ActionPasswordlessSend:     {Limit: cfg.Passwordless.MaxSends, Window: cfg.Passwordless.SendWindow},
		rate.ActionPasswordlessFailure:  {Limit: cfg.Passwordless.MaxFailures, Window: cfg.Passwordless.FailureWindow},
		rate.ActionPasswordResetRequest: {Limit: cfg.PasswordReset.MaxSends, Window: cfg.PasswordReset.SendWindow},
		rate.ActionPasswordResetFailure: {Limit: cfg.PasswordReset.MaxFailures, Window: cfg.PasswordReset.FailureWindow},
	}
	if cfg.Lockout.Enabled {
		rules[rate.ActionSignInFailure] = rate.Rule{Limit: cfg.Lockout.Threshold, Window: cfg.Lockout.Window}
	}
	return rules
}
