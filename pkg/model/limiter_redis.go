package model

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimiterStore abstracts shared rate-limit state across processor workers.
type LimiterStore interface {
	// Allow consumes cost tokens for actorID if available.
	Allow(ctx context.Context, actorID string, cost int) (bool, error)
}

// tokenBucketScript runs the token bucket atomically in Redis.
// KEYS[1] = bucket key, ARGV = rate(tokens/s), capacity, cost, now(unix secs).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiterStore shares one token bucket per actor across processes.
type RedisLimiterStore struct {
	client *redis.Client
	rpm    int
	burst  int
}

// NewRedisLimiterStore connects to addr and shares an rpm/burst bucket.
func NewRedisLimiterStore(addr string, rpm, burst int) *RedisLimiterStore {
	return &RedisLimiterStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rpm:    rpm,
		burst:  burst,
	}
}

func (s *RedisLimiterStore) Allow(ctx context.Context, actorID string, cost int) (bool, error) {
	ratePerSec := float64(s.rpm) / 60.0
	if ratePerSec <= 0 {
		return true, nil
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, s.client,
		[]string{"limiter:" + actorID}, ratePerSec, s.burst, cost, now).Int64()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	return res == 1, nil
}
