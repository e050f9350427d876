package goIdP

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrEthical07/goIdP/internal/audit"
	"github.com/MrEthical07/goIdP/internal/rate"
	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/MrEthical07/goIdP/password"
	"go.uber.org/zap"
)

// Engine is the identity provider core. It is safe for concurrent use; all
// cross-request state lives in the Store and in Redis.
type Engine struct {
	config Config
	store  Store

	flows           *stores.FlowStore
	authCodes       *stores.BlobStore
	refreshTokens   *stores.BlobStore
	browserSessions *stores.BlobStore
	ceremonies      *stores.BlobStore
	recoveryUses    *stores.BlobStore
	codes           *stores.CodeStore
	otpCounters     *stores.CounterStore
	keyStore        *stores.KeyRingStore
	guard           *rate.Guard

	ringMu sync.Mutex
	ring   *jwt.KeyRing

	passwordHash   *password.Argon2
	passwordPolicy password.Policy
	jwtManager     *jwt.Manager
	otp            *totp

	emailSender Sender
	smsSender   Sender
	passkeys    PasskeyProvider

	audit   *audit.Dispatcher
	metrics *Metrics
	logger  *zap.Logger
}

// Close flushes and stops the audit dispatcher.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	_ = e.logger.Sync()
}

// AuditDropped returns the number of audit events dropped because the buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot copies the in-process counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

// HashPassword checks plain against the password policy and returns its PHC hash,
// ready for User.PasswordHash. Provisioning tools use it to seed accounts.
func (e *Engine) HashPassword(plain string) (string, error) {
	if err := e.passwordPolicy.Check(plain); err != nil {
		return "", ErrPasswordPolicy.wrap(err)
	}
	hash, err := e.passwordHash.Hash(plain)
	if err != nil {
		return "", e.internalError("goidp: password hash failed", err)
	}
	return hash, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return cloneConfig(e.config)
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// recordGrant counts one token endpoint grant by outcome and records its latency.
func (e *Engine) recordGrant(grant string, start time.Time, err error) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Observe(MetricTokenLatency, time.Since(start))
	if o, ok := grantOutcomes[grant]; ok {
		e.metrics.record(o, err == nil)
	}
}

// recordFactor counts one MFA verification of f.
func (e *Engine) recordFactor(f MfaFactor, ok bool) {
	if e == nil || e.metrics == nil {
		return
	}
	if o, found := factorOutcomes[f]; found {
		e.metrics.record(o, ok)
	}
}

// internalError logs an infrastructure fault and returns the opaque taxonomy error.
func (e *Engine) internalError(msg string, err error, fields ...zap.Field) error {
	e.logger.Warn(msg, append(fields, zap.Error(err))...)
	return ErrInternal.wrap(err)
}

func isStoreNotFound(err error) bool {
	return errors.Is(err, ErrStoreNotFound)
}

// loadApp resolves an active app by client id. Unknown and inactive clients look the same.
func (e *Engine) loadApp(ctx context.Context, clientID string) (*App, error) {
	if clientID == "" {
		return nil, ErrWrongClient
	}
	app, err := e.store.GetAppByClientID(ctx, clientID)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrWrongClient
		}
		return nil, e.internalError("goidp: app lookup failed", err, zap.String("client_id", clientID))
	}
	if app == nil || !app.IsActive {
		return nil, ErrWrongClient
	}
	return app, nil
}

func (e *Engine) loadUser(ctx context.Context, userID string) (*User, error) {
	user, err := e.store.GetUserByID(ctx, userID)
	if err != nil {
		if isStoreNotFound(err) {
			return nil, ErrUserNotFound
		}
		return nil, e.internalError("goidp: user lookup failed", err, zap.String("user_id", userID))
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (e *Engine) updateUser(ctx context.Context, user *User) error {
	user.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateUser(ctx, user); err != nil {
		return e.internalError("goidp: user update failed", err, zap.String("user_id", user.ID))
	}
	return nil
}

// guardCheck returns locked when the counter for (action, identity, origin) reached
// its limit. Actions without a configured rule are never locked.
func (e *Engine) guardCheck(ctx context.Context, action rate.Action, identity, origin string) (bool, error) {
	_, err := e.guard.Check(ctx, action, identity, origin)
	switch {
	case err == nil, errors.Is(err, rate.ErrUnknownAction):
		return false, nil
	case errors.Is(err, rate.ErrLimitReached):
		return true, nil
	default:
		return false, e.internalError("goidp: rate guard unavailable", err, zap.String("action", string(action)))
	}
}

// guardIncrement counts one failure. Backend faults are logged and swallowed so the
// caller can still report the original failure.
func (e *Engine) guardIncrement(ctx context.Context, action rate.Action, identity, origin string) {
	if _, err := e.guard.Increment(ctx, action, identity, origin); err != nil && !errors.Is(err, rate.ErrUnknownAction) {
		e.logger.Warn("goidp: rate guard increment failed", zap.String("action", string(action)), zap.Error(err))
	}
}

// guardHit counts one send and reports whether the send cap was exceeded.
func (e *Engine) guardHit(ctx context.Context, action rate.Action, identity, origin string) (bool, error) {
	_, err := e.guard.Hit(ctx, action, identity, origin)
	switch {
	case err == nil, errors.Is(err, rate.ErrUnknownAction):
		return false, nil
	case errors.Is(err, rate.ErrLimitReached):
		return true, nil
	default:
		return false, e.internalError("goidp: rate guard unavailable", err, zap.String("action", string(action)))
	}
}
