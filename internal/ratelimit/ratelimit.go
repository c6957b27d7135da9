// Package ratelimit enforces the per-account change-rate cap with atomic
// Redis Lua scripts. A GET then INCR pattern would race between executor
// workers; the script checks and increments in one round trip.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for the atomic check-and-increment. Only increments when the
// reservation fits under the limit.
const reserveLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > limit then
    return {0, current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, newVal}
`

// Refunds a reservation whose platform call failed, flooring at zero.
const refundLuaScript = `
local key = KEYS[1]
local decrement = tonumber(ARGV[1])

local current = tonumber(redis.call("GET", key) or "0")
if current <= decrement then
    redis.call("SET", key, 0, "KEEPTTL")
    return 0
end
return redis.call("DECRBY", key, decrement)
`

// Limiter caps applied changes per account per rolling hour bucket.
type Limiter struct {
	redis         *redis.Client
	maxPerHour    int
	reserveScript *redis.Script
	refundScript  *redis.Script
}

// New returns a limiter with pre-compiled scripts.
func New(redisClient *redis.Client, maxPerHour int) *Limiter {
	return &Limiter{
		redis:         redisClient,
		maxPerHour:    maxPerHour,
		reserveScript: redis.NewScript(reserveLuaScript),
		refundScript:  redis.NewScript(refundLuaScript),
	}
}

// NewFromURL connects to Redis and returns a limiter.
func NewFromURL(redisURL string, maxPerHour int) (*Limiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, maxPerHour), nil
}

func (l *Limiter) key(accountID string, now time.Time) string {
	return fmt.Sprintf("changerate:%s:%d", accountID, now.Unix()/3600)
}

// Reserve atomically claims n change slots for the account's current hour.
// When denied, waitTime is how long until the bucket rolls over.
func (l *Limiter) Reserve(ctx context.Context, accountID string, n int) (allowed bool, waitTime time.Duration, err error) {
	now := time.Now()
	result, err := l.reserveScript.Run(ctx, l.redis,
		[]string{l.key(accountID, now)},
		n,
		l.maxPerHour,
		7200, // 2 hour TTL so the bucket outlives its window
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check failed: %w", err)
	}

	if result[0].(int64) == 1 {
		return true, 0, nil
	}
	nextBucket := now.Truncate(time.Hour).Add(time.Hour)
	return false, time.Until(nextBucket), nil
}

// Refund returns slots reserved for a call that never reached the platform.
func (l *Limiter) Refund(ctx context.Context, accountID string, n int) error {
	err := l.refundScript.Run(ctx, l.redis,
		[]string{l.key(accountID, time.Now())}, n).Err()
	if err != nil {
		return fmt.Errorf("rate limit refund failed: %w", err)
	}
	return nil
}

// Usage returns the account's consumed slots in the current hour bucket.
func (l *Limiter) Usage(ctx context.Context, accountID string) (int64, error) {
	n, err := l.redis.Get(ctx, l.key(accountID, time.Now())).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("rate limit usage: %w", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (l *Limiter) Close() error {
	return l.redis.Close()
}
