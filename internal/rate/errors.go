package rate

import "errors"

var (
	// ErrRateLimited indicates the fixed-window budget for a key is exhausted.
	ErrRateLimited = errors.New("rate limited")

	// ErrRedisUnavailable indicates the limiter backend is unreachable.
	ErrRedisUnavailable = errors.New("rate limiter backend unavailable")
)
