package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// bucketScript refills and debits one token bucket atomically on the Redis
// side. Bucket state is a hash {tk, at}: the fractional token count and the
// last refill timestamp in milliseconds. Idle buckets expire on their own.
// Reply: {allowed 0|1, whole tokens remaining}.
var bucketScript = redis.NewScript(`
local cap  = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local want = tonumber(ARGV[3])
local now  = tonumber(ARGV[4])

local st = redis.call("HMGET", KEYS[1], "tk", "at")
local tk = tonumber(st[1])
local at = tonumber(st[2])
if tk == nil then
  tk = cap
  at = now
end

tk = math.min(cap, tk + (now - at) / 1000.0 * rate)

local ok = 0
if tk >= want then
  tk = tk - want
  ok = 1
end

redis.call("HMSET", KEYS[1], "tk", tostring(tk), "at", tostring(now))
redis.call("PEXPIRE", KEYS[1], math.max(60000, math.ceil(cap / rate * 2000)))

return {ok, math.floor(tk)}
`)

// RedisBackend shares token buckets between runtime replicas, so a client
// throttled on one replica cannot shift its invoke load to another.
type RedisBackend struct {
	client *redis.Client
	prefix string
	now    func() int64
}

// NewRedisBackend creates a backend on an existing client.
func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: "fluxlive:rl:",
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// CheckRateLimit runs the bucket script for key.
func (b *RedisBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	reply, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key},
		maxTokens, refillRate, requested, b.now()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("redis bucket %s: %w", key, err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("redis bucket %s: malformed reply", key)
	}
	return reply[0] == 1, int(reply[1]), nil
}
