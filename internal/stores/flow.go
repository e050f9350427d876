package stores

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const flowRecordFormat1 = 1

// Versioned is a flow payload together with its version stamp.
type Versioned struct {
	Version int64
	Payload []byte
	TTL     time.Duration
}

// FlowStore keeps in-progress authorization flows keyed by their continuation token.
// Every write bumps the version; [FlowStore.Update] only succeeds against the version
// the caller read.
type FlowStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewFlowStore creates a [FlowStore]. An empty prefix defaults to "flow".
func NewFlowStore(redisClient redis.UniversalClient, prefix string) *FlowStore {
	if prefix == "" {
		prefix = "flow"
	}
	return &FlowStore{redis: redisClient, prefix: prefix}
}

func (s *FlowStore) key(token string) string {
	return s.prefix + ":" + token
}

// Create stores a new record at version 1. It fails with [ErrExists] on key collision.
func (s *FlowStore) Create(ctx context.Context, token string, payload []byte, ttl time.Duration) error {
	ok, err := s.redis.SetNX(ctx, s.key(token), encodeFlow(1, payload), ttl).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Load returns the record and its remaining TTL.
func (s *FlowStore) Load(ctx context.Context, token string) (*Versioned, error) {
	key := s.key(token)
	pipe := s.redis.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}

	data, err := getCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrBackend, err)
	}
	record, err := decodeFlow(data)
	if err != nil {
		return nil, err
	}
	record.TTL = ttlCmd.Val()
	return record, nil
}

// Update replaces the payload when the stored version still equals expected. The record
// keeps its remaining TTL. A lost race returns [ErrConflict]; a vanished record
// returns [ErrNotFound].
func (s *FlowStore) Update(ctx context.Context, token string, expected int64, payload []byte) (int64, error) {
	key := s.key(token)
	next := expected + 1

	err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}
		current, err := decodeFlow(data)
		if err != nil {
			return err
		}
		if current.Version != expected {
			return ErrConflict
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			return redis.Nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encodeFlow(next, payload), ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return next, nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrConflict):
		return 0, ErrConflict
	case errors.Is(err, redis.Nil):
		return 0, ErrNotFound
	case errors.Is(err, ErrCorrupt):
		return 0, err
	default:
		return 0, fmt.Errorf("%w: %v", ErrBackend, err)
	}
}

// Delete removes the record.
func (s *FlowStore) Delete(ctx context.Context, token string) error {
	if err := s.redis.Del(ctx, s.key(token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	return nil
}

func encodeFlow(version int64, payload []byte) []byte {
	buf := make([]byte, 9+len(payload))
	buf[0] = flowRecordFormat1
	binary.BigEndian.PutUint64(buf[1:9], uint64(version))
	copy(buf[9:], payload)
	return buf
}

func decodeFlow(data []byte) (*Versioned, error) {
	if len(data) < 9 || data[0] != flowRecordFormat1 {
		return nil, ErrCorrupt
	}
	payload := make([]byte, len(data)-9)
	copy(payload, data[9:])
	return &Versioned{
		Version: int64(binary.BigEndian.Uint64(data[1:9])),
		Payload: payload,
	}, nil
}
