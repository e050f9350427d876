// Package bootstrap assembles an engine and its collaborators from a
// config.ServerConfig for the binaries under cmd/.
package bootstrap

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MrEthical07/goIdP"
	"github.com/MrEthical07/goIdP/config"
	"github.com/MrEthical07/goIdP/notify"
	"github.com/MrEthical07/goIdP/passkey"
	"github.com/MrEthical07/goIdP/saml"
	"github.com/MrEthical07/goIdP/storage/sqlite"
)

// ErrRedisRequired is returned when an operation needs shared state but
// GOIDP_REDIS_URL is unset.
var ErrRedisRequired = errors.New("GOIDP_REDIS_URL is required")

// Runtime is a built engine with the resources it holds.
type Runtime struct {
	Engine *goIdP.Engine
	Store  *sqlite.Store
	Redis  redis.UniversalClient

	closers []func()
}

// Close releases everything in reverse order of acquisition.
func (r *Runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Options tune Open.
type Options struct {
	// PersistentRedis refuses the in-process miniredis fallback.
	PersistentRedis bool
}

// NewLogger builds a zap logger from the log settings.
func NewLogger(cfg *config.ServerConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	if cfg.LogDevelopment {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Open connects Redis and the store and builds the engine.
func Open(ctx context.Context, cfg *config.ServerConfig, logger *zap.Logger, opts Options) (*Runtime, error) {
	rt := &Runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	rdb, closeRedis, err := openRedis(cfg, logger, opts.PersistentRedis)
	if err != nil {
		return nil, err
	}
	rt.Redis = rdb
	rt.closers = append(rt.closers, closeRedis)

	store, err := sqlite.Open(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	rt.Store = store
	rt.closers = append(rt.closers, func() { _ = store.Close() })
	logger.Info("store ready", zap.String("path", cfg.SQLitePath), zap.Int64("schema_version", store.SchemaVersion()))

	emailSender, smsSender, err := senders(cfg, logger)
	if err != nil {
		return nil, err
	}
	builder := goIdP.New().
		WithConfig(cfg.EngineConfig()).
		WithRedis(rdb).
		WithStore(store).
		WithEmailSender(emailSender).
		WithSMSSender(smsSender).
		WithLogger(logger.Named("engine"))
	if cfg.Features.Passkeys {
		provider, err := passkey.New(passkey.Config{
			RPID:          cfg.Passkey.RPID,
			RPDisplayName: cfg.Passkey.RPDisplayName,
			RPOrigins:     cfg.Passkey.RPOrigins,
			Timeout:       cfg.Passkey.ChallengeTTL,
		})
		if err != nil {
			return nil, err
		}
		builder = builder.WithPasskeyProvider(provider)
	}
	if cfg.Features.Audit {
		sinks := goIdP.MultiSink{goIdP.NewZapSink(logger.Named("audit"))}
		if cfg.Features.AuditFile != "" {
			f, err := os.OpenFile(cfg.Features.AuditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
			if err != nil {
				return nil, fmt.Errorf("open audit file: %w", err)
			}
			rt.closers = append(rt.closers, func() { _ = f.Close() })
			sinks = append(sinks, goIdP.NewJSONWriterSink(f))
		}
		builder = builder.WithAuditSink(sinks)
	}
	engine, err := builder.Build()
	if err != nil {
		return nil, err
	}
	rt.Engine = engine
	rt.closers = append(rt.closers, engine.Close)

	ok = true
	return rt, nil
}

func openRedis(cfg *config.ServerConfig, logger *zap.Logger, persistent bool) (redis.UniversalClient, func(), error) {
	if cfg.RedisURL == "" {
		if persistent {
			return nil, nil, ErrRedisRequired
		}
		mr, err := miniredis.Run()
		if err != nil {
			return nil, nil, fmt.Errorf("start miniredis: %w", err)
		}
		logger.Warn("GOIDP_REDIS_URL not set; using in-process miniredis, state is lost on exit")
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return client, func() { _ = client.Close(); mr.Close() }, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse GOIDP_REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	return client, func() { _ = client.Close() }, nil
}

func senders(cfg *config.ServerConfig, logger *zap.Logger) (goIdP.Sender, goIdP.Sender, error) {
	build := func(url, channel string) (goIdP.Sender, error) {
		if url == "" {
			logger.Warn("no delivery webhook configured; messages are logged", zap.String("channel", channel))
			return notify.NewLogSender(logger.Named("notify"), channel), nil
		}
		return notify.NewWebhookSender(notify.WebhookConfig{
			URL:     url,
			Channel: channel,
			Secret:  []byte(cfg.Notify.WebhookSecret),
		}, logger.Named("notify"))
	}
	email, err := build(cfg.Notify.EmailWebhook, "email")
	if err != nil {
		return nil, nil, err
	}
	sms, err := build(cfg.Notify.SMSWebhook, "sms")
	if err != nil {
		return nil, nil, err
	}
	return email, sms, nil
}

// NewSAMLBridge loads the configured key pair, or generates a self-signed one
// when none is set, and returns the bridge.
func NewSAMLBridge(cfg *config.ServerConfig, engine *goIdP.Engine, logger *zap.Logger) (*saml.Bridge, error) {
	var (
		key  *rsa.PrivateKey
		cert *x509.Certificate
		err  error
	)
	if cfg.SAML.CertFile == "" || cfg.SAML.KeyFile == "" {
		logger.Warn("SAML key pair not configured; using a self-signed certificate")
		key, cert, err = saml.SelfSigned(cfg.Token.Issuer, 365*24*time.Hour)
	} else {
		var certPEM, keyPEM []byte
		if certPEM, err = os.ReadFile(cfg.SAML.CertFile); err != nil {
			return nil, err
		}
		if keyPEM, err = os.ReadFile(cfg.SAML.KeyFile); err != nil {
			return nil, err
		}
		key, cert, err = saml.LoadKeyPair(certPEM, keyPEM)
	}
	if err != nil {
		return nil, err
	}
	return saml.New(engine, saml.Config{
		BaseURL:         cfg.Token.Issuer,
		Key:             key,
		Certificate:     cert,
		TrackingSecret:  []byte(cfg.SAML.TrackingSecret),
		SessionCookie:   cfg.HTTP.SessionCookie,
		SecureCookies:   !cfg.HTTP.InsecureCookie,
		SessionLifetime: cfg.Token.SessionTTL,
	}, logger.Named("saml"))
}
