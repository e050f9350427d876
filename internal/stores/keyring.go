package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeyMaterial is one PEM-encoded signing key.
type KeyMaterial struct {
	PEM       []byte    `json:"pem"`
	CreatedAt time.Time `json:"created_at"`
}

// KeyRingRecord is the persisted two-slot key ring.
type KeyRingRecord struct {
	Generation int64        `json:"generation"`
	Current    *KeyMaterial `json:"current"`
	Deprecated *KeyMaterial `json:"deprecated,omitempty"`
}

// KeyRingStore persists the signing key ring under a single key without expiry.
type KeyRingStore struct {
	redis redis.UniversalClient
	key   string
}

// NewKeyRingStore creates a [KeyRingStore]. An empty key defaults to "keys:ring".
func NewKeyRingStore(redisClient redis.UniversalClient, key string) *KeyRingStore {
	if key == "" {
		key = "keys:ring"
	}
	return &KeyRingStore{redis: redisClient, key: key}
}

// Generation returns the stored generation without parsing key material, or [ErrNotFound].
func (s *KeyRingStore) Generation(ctx context.Context) (int64, error) {
	record, err := s.Load(ctx)
	if err != nil {
		return 0, err
	}
	return record.Generation, nil
}

// Load returns the stored ring or [ErrNotFound].
func (s *KeyRingStore) Load(ctx context.Context) (*KeyRingRecord, error) {
	data, err := s.redis.Get(ctx, s.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	var record KeyRingRecord
	if err := json.Unmarshal(data, &record); err != nil || record.Current == nil {
		return nil, ErrCorrupt
	}
	return &record, nil
}

// Swap writes next when the stored generation equals expected (0 when absent).
func (s *KeyRingStore) Swap(ctx context.Context, expected int64, next *KeyRingRecord) error {
	encoded, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		var current int64
		data, err := tx.Get(ctx, s.key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored KeyRingRecord
			if err := json.Unmarshal(data, &stored); err != nil {
				return ErrCorrupt
			}
			current = stored.Generation
		}
		if current != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, encoded, 0)
			return nil
		})
		return err
	}, s.key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConflict):
		return ErrConflict
	case errors.Is(err, ErrCorrupt):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
}
