package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lua script for an atomic all-or-nothing sliding-window check over several
// keys. Each hit is a sorted-set member scored by its timestamp in
// milliseconds. Every key is trimmed and counted first; hits are added only
// when no key is full. ARGV[4..] carries one limit per key.
const slidingWindowLuaScript = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local member = ARGV[3]

local wait = 0
local blocked = false
for i, key in ipairs(KEYS) do
    local limit = tonumber(ARGV[3 + i])
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
    local count = redis.call("ZCARD", key)
    if count >= limit then
        blocked = true
        local idx = count - limit
        local hit = redis.call("ZRANGE", key, idx, idx, "WITHSCORES")
        local retry = window
        if hit[2] then
            retry = tonumber(hit[2]) + window - now
        end
        if retry < 1 then
            retry = 1
        end
        if retry > wait then
            wait = retry
        end
    end
end

if blocked then
    return {0, wait}
end
for _, key in ipairs(KEYS) do
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, window)
end
return {1, 0}
`

// RedisLimiter is a sliding-window limiter shared by every instance that
// points at the same Redis. The keys of one check are touched by a single
// script, so on Redis Cluster they must hash to the same slot.
type RedisLimiter struct {
	redis  *redis.Client
	prefix string
	window time.Duration
	script *redis.Script
}

// NewRedisLimiter creates a limiter with a pre-compiled Lua script.
func NewRedisLimiter(client *redis.Client, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{
		redis:  client,
		prefix: prefix,
		window: RateWindow,
		script: redis.NewScript(slidingWindowLuaScript),
	}
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, keys []RateKey, now time.Time) (Decision, error) {
	keys = limited(keys)
	if len(keys) == 0 {
		return Decision{Allowed: true}, nil
	}
	redisKeys := make([]string, len(keys))
	args := []interface{}{
		now.UnixMilli(),
		l.window.Milliseconds(),
		fmt.Sprintf("%d-%s", now.UnixNano(), uuid.New().String()),
	}
	for i, k := range keys {
		redisKeys[i] = l.prefix + ":" + k.Key
		args = append(args, k.Limit)
	}

	result, err := l.script.Run(ctx, l.redis, redisKeys, args...).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check failed: %w", err)
	}
	if len(result) != 2 {
		return Decision{}, fmt.Errorf("rate limit check: unexpected reply %v", result)
	}

	allowed, _ := result[0].(int64)
	retryMS, _ := result[1].(int64)
	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(retryMS) * time.Millisecond}, nil
}
