package stores

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore keeps strictly increasing counters, used to reject reuse of a TOTP time step.
type CounterStore struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCounterStore creates a [CounterStore]. An empty prefix defaults to "ctr".
func NewCounterStore(redisClient redis.UniversalClient, prefix string) *CounterStore {
	if prefix == "" {
		prefix = "ctr"
	}
	return &CounterStore{redis: redisClient, prefix: prefix}
}

// Advance stores value if it is greater than the stored one and reports whether it was accepted.
func (s *CounterStore) Advance(ctx context.Context, id string, value int64, ttl time.Duration) (bool, error) {
	key := s.prefix + ":" + id
	const maxRetries = 4

	for i := 0; i < maxRetries; i++ {
		accepted := false
		err := s.redis.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, key).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if err == nil {
				last, perr := strconv.ParseInt(raw, 10, 64)
				if perr != nil {
					return ErrCorrupt
				}
				if value <= last {
					return nil
				}
			}
			accepted = true
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, strconv.FormatInt(value, 10), ttl)
				return nil
			})
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, ErrCorrupt) {
			return false, err
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrBackend, err)
		}
		return accepted, nil
	}
	return false, ErrConflict
}
