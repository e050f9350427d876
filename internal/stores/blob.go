package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlobStore is a prefixed key space of opaque TTL-bound values. Issued authorization
// codes, refresh-token registrations, browser sessions, WebAuthn ceremonies and SAML
// relay states each get their own prefix.
type BlobStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewBlobStore creates a [BlobStore] under prefix.
func NewBlobStore(redisClient redis.UniversalClient, prefix string) *BlobStore {
	return &BlobStore{redis: redisClient, prefix: prefix}
}

func (s *BlobStore) key(id string) string {
	return s.prefix + ":" + id
}

// Put writes value, replacing any existing one.
func (s *BlobStore) Put(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	if err := s.redis.Set(ctx, s.key(id), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

// PutNew writes value only if id is unused.
func (s *BlobStore) PutNew(ctx context.Context, id string, value []byte, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.key(id), value, ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get reads value without consuming it.
func (s *BlobStore) Get(ctx context.Context, id string) ([]byte, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return data, nil
}

// Take reads and deletes value atomically. Only one caller can take a given id.
func (s *BlobStore) Take(ctx context.Context, id string) ([]byte, error) {
	data, err := s.redis.GetDel(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return data, nil
}

// Delete removes id and reports whether it existed.
func (s *BlobStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.redis.Del(ctx, s.key(id)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return n > 0, nil
}
