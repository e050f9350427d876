package stores

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeStore keeps the digest of the single live one-time code per (purpose, subject).
// Issuing a new code replaces the previous one.
type CodeStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCodeStore creates a [CodeStore]. An empty prefix defaults to "otc".
func NewCodeStore(redisClient redis.UniversalClient, prefix string) *CodeStore {
	if prefix == "" {
		prefix = "otc"
	}
	return &CodeStore{redis: redisClient, prefix: prefix}
}

func (s *CodeStore) key(purpose, subject string) string {
	return s.prefix + ":" + purpose + ":" + subject
}

// Put stores digest for (purpose, subject).
func (s *CodeStore) Put(ctx context.Context, purpose, subject, digest string, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(purpose, subject), digest, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// Consume deletes the stored code when digest matches and reports whether it did.
// A mismatch leaves the code in place so the caller can count the failure.
func (s *CodeStore) Consume(ctx context.Context, purpose, subject, digest string) (bool, error) {
	key := s.key(purpose, subject)
	var matched bool

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(stored) != len(digest) || subtle.ConstantTimeCompare([]byte(stored), []byte(digest)) != 1 {
			return nil
		}
		matched = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return matched, nil
	case errors.Is(err, redis.Nil):
		return false, ErrNotFound
	case errors.Is(err, redis.TxFailedErr):
		// another request consumed or replaced the code first
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
}

// Delete removes the code for (purpose, subject).
func (s *CodeStore) Delete(ctx context.Context, purpose, subject string) error {
	if err := s.redis.Del(ctx, s.key(purpose, subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}
