// Package ratelimit throttles producer traffic per tenant with a
// distributed token bucket kept in Redis, so every API replica shares one
// budget per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TenantLimiter is a per-tenant token bucket.
type TenantLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTenantLimiter constructs a limiter with the provided capacity/refill.
func NewTenantLimiter(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TenantLimiter {
	return &TenantLimiter{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes one token from the tenant's bucket if available. The
// refill-and-take runs as a single Lua script so concurrent API replicas
// never double-spend a token.
func (l *TenantLimiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	key := "ratelimit:tenant:" + tenantID
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{key},
		l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}
	allowed, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from bucket script: %T", res)
	}
	return allowed == 1, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return allowed
`)
