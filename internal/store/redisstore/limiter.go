package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/ratelimit"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const limiterKeyPrefix = "credits:ratelimit:v1:"

// slidingWindowScript prunes, counts and conditionally records one hit atomically.
// Returns {allowed, remaining, retry_after_ms}.
var slidingWindowScript = goredis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local retry = window
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, 0, retry}
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return {1, limit - count - 1, 0}
`)

// SlidingWindowLimiter is the shared ratelimit.Limiter used across instances.
type SlidingWindowLimiter struct {
	client goredis.UniversalClient
	policy ratelimit.Policy
	nowFn  func() time.Time
}

// LimiterOption customizes a SlidingWindowLimiter.
type LimiterOption func(*SlidingWindowLimiter)

// WithLimiterClock overrides the time source used for window scores.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(limiter *SlidingWindowLimiter) {
		if now != nil {
			limiter.nowFn = now
		}
	}
}

// NewSlidingWindowLimiter binds a policy to a redis client.
func NewSlidingWindowLimiter(client goredis.UniversalClient, policy ratelimit.Policy, options ...LimiterOption) (*SlidingWindowLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redisstore: client is nil")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	limiter := &SlidingWindowLimiter{client: client, policy: policy, nowFn: time.Now}
	for _, option := range options {
		if option != nil {
			option(limiter)
		}
	}
	return limiter, nil
}

// TryConsume implements ratelimit.Limiter.
func (limiter *SlidingWindowLimiter) TryConsume(ctx context.Context, identity string) (ratelimit.Decision, error) {
	key, err := ratelimit.NormalizeIdentity(identity)
	if err != nil {
		return ratelimit.Decision{}, err
	}
	now := limiter.nowFn().UnixMilli()
	values, err := slidingWindowScript.Run(ctx, limiter.client,
		[]string{limiterKeyPrefix + key},
		now,
		limiter.policy.Window.Milliseconds(),
		limiter.policy.Limit,
		fmt.Sprintf("%d-%s", now, uuid.NewString()),
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(values) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script: unexpected reply %v", values)
	}
	return ratelimit.Decision{
		Allowed:    values[0] == 1,
		Remaining:  int(values[1]),
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}
