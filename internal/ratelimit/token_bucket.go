package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed bool
	// Remaining is the whole number of tokens left after this call.
	Remaining int
	// RetryAfter is how long until the next token, set only when the call was denied and the
	// bucket refills. Zero with Allowed false means the bucket never refills.
	RetryAfter time.Duration
}

// Limiter admits one unit of work per call for key.
type Limiter interface {
	Take(ctx context.Context, key string) (Decision, error)
}

// TenantKey scopes admission limits per tenant.
func TenantKey(tenant string) string { return "rl:tenant:" + tenant }

// PlatformKey scopes dispatch limits per platform and brand, mirroring per-account API quotas.
func PlatformKey(platform, brandID string) string { return "rl:platform:" + platform + ":" + brandID }

// TokenBucket is a Redis-backed token bucket shared by every instance. Bucket state lives in a
// hash per key and idles out after ttl.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	perSec   float64
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{client: client, capacity: capacity, perSec: refillPerSecond, ttl: ttl, now: time.Now}
}

func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	vals, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity, fmt.Sprintf("%g", b.perSec), b.now().UnixMilli(), b.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(vals) != 3 {
		return Decision{}, fmt.Errorf("token bucket %s: want 3 values, got %d", key, len(vals))
	}
	d := Decision{Allowed: vals[0] == 1, Remaining: int(vals[1])}
	if !d.Allowed && vals[2] > 0 {
		d.RetryAfter = time.Duration(vals[2]) * time.Millisecond
	}
	return d, nil
}

// Fractional tokens are kept as a string field because Lua numbers come back from Redis as
// integers. The reply is {allowed, floor(tokens), wait_ms}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local per_sec = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'level', 'at')
local level = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now_ms
if now_ms > at then
  level = math.min(capacity, level + (now_ms - at) * per_sec / 1000)
end

local granted = 0
local wait_ms = 0
if level >= 1 then
  granted = 1
  level = level - 1
elseif per_sec > 0 then
  wait_ms = math.ceil((1 - level) * 1000 / per_sec)
end

redis.call('HSET', KEYS[1], 'level', tostring(level), 'at', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {granted, math.floor(level), wait_ms}
`)
