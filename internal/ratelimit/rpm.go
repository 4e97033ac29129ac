// Package ratelimit implements per-provider request rate limiting using
// Redis sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current request with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "ratelimit:provider:rpm:"

// ProviderLimiter enforces each provider's configured requests-per-minute
// cap using a shared Redis sliding window, so the limit holds across every
// gateway instance pointed at the same Redis.
type ProviderLimiter struct {
	rdb *redis.Client
}

// NewProviderLimiter creates a ProviderLimiter backed by the given client.
func NewProviderLimiter(rdb *redis.Client) *ProviderLimiter {
	return &ProviderLimiter{rdb: rdb}
}

// Allow reports whether one more request to the named provider fits within
// its RPM limit. Redis errors fail open: an unavailable limiter must never
// take the gateway down with it.
func (l *ProviderLimiter) Allow(ctx context.Context, provider string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}

	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, l.rdb,
		[]string{keyPrefix + provider},
		now, window, limit,
	).Int()
	if err != nil {
		return true, nil
	}
	return result == 1, nil
}
