package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and returns a Store implementation.
func NewRedisStore(addr string) (Store, error) {
	opt := &redis.Options{
		Addr: addr,
	}
	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisStore{client: client}, nil
}

// tokenBucketLua implements refill + take atomically. Tokens are stored in
// milli-tokens so fractional budgets survive Redis' integer reply conversion.
// Returns {allowed, wait_ms}.
var tokenBucketLua = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1]) * 1000
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4]) * 1000

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta * rate)
local allowed = 0
local wait = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  wait = math.ceil((requested - tokens) / rate)
end
redis.call('HMSET', key, 'tokens', math.floor(tokens), 'last', now)
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 2) + 1000)
return {allowed, wait}
`)

func (r *redisStore) TokenBucket(ctx context.Context, key string, capacity int64, refillRate float64, tokens int64) (bool, time.Duration, error) {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	// refillRate tokens/s == refillRate milli-tokens/ms
	res, err := tokenBucketLua.Run(ctx, r.client, []string{key}, capacity, refillRate, now, tokens).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("unexpected redis response: %v", res)
	}
	allowed, _ := arr[0].(int64)
	waitMs, _ := arr[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Close releases the underlying connection pool.
func (r *redisStore) Close() error {
	return r.client.Close()
}

// Ping checks the connection for readiness probes.
func (r *redisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
