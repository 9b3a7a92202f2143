package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Take.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the next token is available. Zero when
	// allowed, negative when the bucket never refills.
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed token bucket shared by every API replica.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// CollectKey is the bucket shared by every manual collect trigger of a domain.
func CollectKey(domainID string) string {
	return "ratelimit:collect:" + domainID
}

// AllowCollect takes a token from the domain's collect bucket.
func (b *TokenBucket) AllowCollect(ctx context.Context, domainID string) (Decision, error) {
	return b.Take(ctx, CollectKey(domainID))
}

// Take consumes one token from key when one is available.
func (b *TokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	res, err := takeScript.Run(ctx, b.client, []string{key},
		b.capacity*scale, int64(math.Round(b.refill*scale)), b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("take %s: %w", key, err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected bucket reply %T", res)
	}
	allowed, ok1 := arr[0].(int64)
	remaining, ok2 := arr[1].(int64)
	waitMs, ok3 := arr[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Decision{}, fmt.Errorf("unexpected bucket reply %v", arr)
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(remaining / scale),
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Tokens are kept in thousandths so the script only handles integers.
const scale = 1000

var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'milli', 'last_ms')
local milli = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

local add = math.floor(math.max(0, now - last) * refill / 1000)
if add > 0 then
  milli = math.min(capacity, milli + add)
  last = now
end

local allowed = 0
local wait = 0
if milli >= 1000 then
  allowed = 1
  milli = milli - 1000
elseif refill > 0 then
  wait = math.ceil((1000 - milli) * 1000 / refill)
else
  wait = -1
end

redis.call('HSET', key, 'milli', milli, 'last_ms', last)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, milli, wait}
`)
