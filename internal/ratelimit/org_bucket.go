package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// OrgBucket rate-limits generation submissions per organisation with a
// distributed token bucket in Redis. Generation is expensive; the bucket
// keeps one noisy tenant from starving the single fleet-wide worker.
type OrgBucket struct {
	client       *redis.Client
	capacity     int
	refillPerSec float64
	ttl          time.Duration
}

// NewOrgBucket constructs a bucket with the provided capacity/refill rate.
func NewOrgBucket(client *redis.Client, capacity int, refillPerSec float64, ttl time.Duration) *OrgBucket {
	return &OrgBucket{
		client:       client,
		capacity:     capacity,
		refillPerSec: refillPerSec,
		ttl:          ttl,
	}
}

// Allow consumes one token for the organisation if available. It returns the
// allowed flag and the remaining token count.
func (b *OrgBucket) Allow(ctx context.Context, organisationID string) (bool, float64, error) {
	key := "compute:rl:" + organisationID
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refillPerSec, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case float64:
		remaining = v
	}
	return allowed, remaining, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'updated_ms')
local tokens = tonumber(state[1])
local updated = tonumber(state[2])
if tokens == nil then tokens = capacity end
if updated == nil then updated = now end

local elapsed = math.max(0, now - updated)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'updated_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
