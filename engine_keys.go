package goIdP

import (
	"context"
	"errors"
	"time"

	"github.com/MrEthical07/goIdP/internal/stores"
	"github.com/MrEthical07/goIdP/jwt"
	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

// keyRing returns the shared signing key ring, parsing it again only when another
// instance rotated or purged it.
func (e *Engine) keyRing(ctx context.Context) (*jwt.KeyRing, error) {
	record, err := e.keyStore.Load(ctx)
	if errors.Is(err, stores.ErrNotFound) {
		if !e.config.Keys.Bootstrap {
			return nil, ErrEngineNotReady
		}
		record, err = e.bootstrapKeys(ctx)
	}
	if err != nil {
		return nil, e.internalError("goidp: key ring load failed", err)
	}

	e.ringMu.Lock()
	defer e.ringMu.Unlock()
	if e.ring != nil && e.ring.Generation == record.Generation {
		return e.ring, nil
	}
	ring, err := ringFromRecord(record)
	if err != nil {
		return nil, e.internalError("goidp: key ring decode failed", err)
	}
	e.ring = ring
	return ring, nil
}

func (e *Engine) bootstrapKeys(ctx context.Context) (*stores.KeyRingRecord, error) {
	key, err := jwt.GenerateSigningKey(e.config.Keys.RSABits, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	ring := &jwt.KeyRing{Current: key, Generation: 1}
	record, err := ringToRecord(ring)
	if err != nil {
		return nil, err
	}
	if err := e.keyStore.Swap(ctx, 0, record); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			// another instance bootstrapped first
			return e.keyStore.Load(ctx)
		}
		return nil, err
	}
	e.logger.Info("goidp: signing key bootstrapped", zap.String("kid", key.ID))
	return record, nil
}

func ringFromRecord(record *stores.KeyRingRecord) (*jwt.KeyRing, error) {
	current, err := jwt.DecodePrivateKey(record.Current.PEM, record.Current.CreatedAt)
	if err != nil {
		return nil, err
	}
	ring := &jwt.KeyRing{Current: current, Generation: record.Generation}
	if record.Deprecated != nil {
		if ring.Deprecated, err = jwt.DecodePrivateKey(record.Deprecated.PEM, record.Deprecated.CreatedAt); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

func ringToRecord(ring *jwt.KeyRing) (*stores.KeyRingRecord, error) {
	record := &stores.KeyRingRecord{Generation: ring.Generation}
	for _, slot := range []struct {
		key *jwt.SigningKey
		dst **stores.KeyMaterial
	}{
		{ring.Current, &record.Current},
		{ring.Deprecated, &record.Deprecated},
	} {
		if slot.key == nil {
			continue
		}
		pem, err := jwt.EncodePrivateKey(slot.key)
		if err != nil {
			return nil, err
		}
		*slot.dst = &stores.KeyMaterial{PEM: pem, CreatedAt: slot.key.CreatedAt}
	}
	return record, nil
}

// Jwks returns the public half of the current key and, during a rotation window, of
// the deprecated key.
func (e *Engine) Jwks(ctx context.Context) (jose.JSONWebKeySet, error) {
	ring, err := e.keyRing(ctx)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return ring.JWKS(), nil
}

// RotateKeys generates a new current key and demotes the old one to deprecated. A key
// that was already deprecated is discarded. It returns the new key id.
func (e *Engine) RotateKeys(ctx context.Context) (string, error) {
	ring, err := e.keyRing(ctx)
	if err != nil {
		return "", err
	}
	next, err := jwt.GenerateSigningKey(e.config.Keys.RSABits, time.Now().UTC())
	if err != nil {
		return "", e.internalError("goidp: key generation failed", err)
	}
	rotated := ring.Rotate(next)
	if err := e.swapRing(ctx, ring.Generation, rotated); err != nil {
		return "", err
	}

	e.metricInc(MetricKeyRotation)
	e.emitAudit(ctx, auditEventKeyRotated, true, "", "", nil, func() map[string]string {
		meta := map[string]string{"kid": next.ID}
		if rotated.Deprecated != nil {
			meta["deprecated_kid"] = rotated.Deprecated.ID
		}
		return meta
	})
	return next.ID, nil
}

// PurgeDeprecatedKey drops the deprecated key. Tokens signed with it stop verifying.
// It reports whether there was a key to purge.
func (e *Engine) PurgeDeprecatedKey(ctx context.Context) (bool, error) {
	ring, err := e.keyRing(ctx)
	if err != nil {
		return false, err
	}
	if ring.Deprecated == nil {
		return false, nil
	}
	purgedID := ring.Deprecated.ID
	if err := e.swapRing(ctx, ring.Generation, ring.PurgeDeprecated()); err != nil {
		return false, err
	}

	e.metricInc(MetricKeyPurge)
	e.emitAudit(ctx, auditEventKeyPurged, true, "", "", nil, func() map[string]string {
		return map[string]string{"kid": purgedID}
	})
	return true, nil
}

func (e *Engine) swapRing(ctx context.Context, expected int64, next *jwt.KeyRing) error {
	record, err := ringToRecord(next)
	if err != nil {
		return e.internalError("goidp: key encode failed", err)
	}
	if err := e.keyStore.Swap(ctx, expected, record); err != nil {
		if errors.Is(err, stores.ErrConflict) {
			return ErrKeyConflict
		}
		return e.internalError("goidp: key ring store failed", err)
	}

	e.ringMu.Lock()
	e.ring = next
	e.ringMu.Unlock()
	return nil
}
