package rate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Action names a guarded operation. It is the first component of every counter key.
type Action string

const (
	ActionSignInFailure        Action = "signin_failure"
	ActionOtpFailure           Action = "otp_failure"
	ActionEmailMfaSend         Action = "email_mfa_send"
	ActionEmailMfaFailure      Action = "email_mfa_failure"
	ActionSmsSend              Action = "sms_send"
	ActionSmsFailure           Action = "sms_failure"
	ActionPasswordlessSend     Action = "passwordless_send"
	ActionPasswordlessFailure  Action = "passwordless_failure"
	ActionPasswordResetRequest Action = "reset_request"
	ActionPasswordResetFailure Action = "reset_failure"
)

// Rule is the threshold and window for one action.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Guard counts attempts per (action, identity, origin) in fixed windows.
type Guard struct {
	redis redis.UniversalClient
	rules map[Action]Rule
}

// New creates a [Guard]. Rules with a non-positive limit or window are ignored.
func New(redisClient redis.UniversalClient, rules map[Action]Rule) *Guard {
	copied := make(map[Action]Rule, len(rules))
	for action, rule := range rules {
		if rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		copied[action] = rule
	}
	return &Guard{
		redis: redisClient,
		rules: copied,
	}
}

// Rule returns the configured rule for action.
func (g *Guard) Rule(action Action) (Rule, bool) {
	rule, ok := g.rules[action]
	return rule, ok
}

// Check returns the current count. It returns [ErrLimitReached] together with the
// count once the counter reached the action limit.
func (g *Guard) Check(ctx context.Context, action Action, identity, origin string) (int, error) {
	rule, ok := g.rules[action]
	if !ok {
		return 0, ErrUnknownAction
	}

	count, err := g.redis.Get(ctx, Key(action, identity, origin)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		count = 0
	}
	if count >= int64(rule.Limit) {
		return int(count), ErrLimitReached
	}
	return int(count), nil
}

// Increment records one attempt and returns the new count. It never blocks by itself;
// the next [Guard.Check] observes the new value.
func (g *Guard) Increment(ctx context.Context, action Action, identity, origin string) (int, error) {
	rule, ok := g.rules[action]
	if !ok {
		return 0, ErrUnknownAction
	}
	count, err := g.incrementWithTTL(ctx, Key(action, identity, origin), rule.Window)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// Hit increments first and fails when the new count exceeds the limit. Send caps use
// Hit so that exactly Limit sends succeed per window even under concurrency.
func (g *Guard) Hit(ctx context.Context, action Action, identity, origin string) (int, error) {
	rule, ok := g.rules[action]
	if !ok {
		return 0, ErrUnknownAction
	}
	count, err := g.incrementWithTTL(ctx, Key(action, identity, origin), rule.Window)
	if err != nil {
		return 0, err
	}
	if count > int64(rule.Limit) {
		return int(count), ErrLimitReached
	}
	return int(count), nil
}

// Clear deletes one counter.
func (g *Guard) Clear(ctx context.Context, action Action, identity, origin string) error {
	if err := g.redis.Del(ctx, Key(action, identity, origin)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ClearIdentity deletes the counters of identity for every origin.
func (g *Guard) ClearIdentity(ctx context.Context, action Action, identity string) error {
	pattern := keyPrefix(action, identity) + "*"
	var cursor uint64
	for {
		keys, next, err := g.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if len(keys) > 0 {
			if err := g.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Key builds the counter key for (action, identity, origin).
func Key(action Action, identity, origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		origin = "-"
	}
	return keyPrefix(action, identity) + origin
}

func keyPrefix(action Action, identity string) string {
	return "rl:" + string(action) + ":" + strings.ToLower(strings.TrimSpace(identity)) + ":"
}

func (g *Guard) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := g.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := g.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
