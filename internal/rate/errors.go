package rate

import "errors"

var (
	// ErrLimitReached is returned when a counter reached the action threshold.
	ErrLimitReached = errors.New("rate limit reached")
	// ErrRedisUnavailable wraps counter backend failures.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrUnknownAction is returned for actions without a configured rule.
	ErrUnknownAction = errors.New("unknown rate limit action")
)
