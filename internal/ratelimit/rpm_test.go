package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Switchdotnew/switch-router-sub001/internal/ratelimit"
)

func newTestRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, func() {
		client.Close()
		mr.Close()
	}
}

func TestProviderLimiter_AllowsUnderLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 10
	limiter := ratelimit.NewProviderLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "openai-primary", limit)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}
}

func TestProviderLimiter_BlocksOverLimit(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	const limit = 3
	limiter := ratelimit.NewProviderLimiter(rdb)
	ctx := context.Background()

	for i := 0; i < limit; i++ {
		allowed, err := limiter.Allow(ctx, "openai-primary", limit)
		if err != nil {
			t.Fatalf("unexpected error at iteration %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("expected allowed=true at iteration %d", i)
		}
	}

	// The (limit+1)th request must be blocked.
	allowed, err := limiter.Allow(ctx, "openai-primary", limit)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Error("expected allowed=false after limit exceeded")
	}
}

func TestProviderLimiter_LimitsAreIndependentPerProvider(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewProviderLimiter(rdb)
	ctx := context.Background()

	const limit = 2
	for i := 0; i < limit; i++ {
		if allowed, _ := limiter.Allow(ctx, "provider-a", limit); !allowed {
			t.Fatalf("provider-a blocked at iteration %d", i)
		}
	}
	if allowed, _ := limiter.Allow(ctx, "provider-a", limit); allowed {
		t.Error("provider-a should be blocked over its limit")
	}
	if allowed, _ := limiter.Allow(ctx, "provider-b", limit); !allowed {
		t.Error("provider-b must not share provider-a's window")
	}
}

func TestProviderLimiter_ZeroLimitMeansUnlimited(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	defer cleanup()

	limiter := ratelimit.NewProviderLimiter(rdb)
	for i := 0; i < 50; i++ {
		allowed, err := limiter.Allow(context.Background(), "uncapped", 0)
		if err != nil || !allowed {
			t.Fatalf("iteration %d: allowed=%v err=%v", i, allowed, err)
		}
	}
}

func TestProviderLimiter_DegradedGracefully_WhenRedisDown(t *testing.T) {
	rdb, cleanup := newTestRedis(t)
	// Close Redis before making any calls — limiter must allow requests.
	cleanup()

	limiter := ratelimit.NewProviderLimiter(rdb)
	allowed, err := limiter.Allow(context.Background(), "openai-primary", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed=true when Redis is unavailable (graceful degradation)")
	}
}
