package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/gantrygw/gantry/internal/logging"
)

// The scripts mirror the local algorithms exactly so a key behaves the same
// whether evaluated in-process or against the shared store. Each returns
// [allowed (0/1), remaining, resetAtMs].

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
    tokens = burst
    last = now
end

local elapsed = (now - last) / 1000
tokens = math.min(burst, tokens + elapsed * rate)

if tokens >= 1 then
    tokens = tokens - 1
    redis.call('HSET', key, 'tokens', tokens, 'last', now)
    redis.call('PEXPIRE', key, ttl)
    local refill = math.ceil((burst - tokens) / rate * 1000)
    return {1, math.floor(tokens), now + refill}
end

redis.call('HSET', key, 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', key, ttl)
local wait = math.ceil((1 - tokens) / rate * 1000)
return {0, 0, now + wait}
`)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('PEXPIRE', key, window)
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local reset = now + window
    if #oldest >= 2 then
        reset = tonumber(oldest[2]) + window
    end
    return {1, limit - count - 1, reset}
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local reset = now + window
if #oldest >= 2 then
    reset = tonumber(oldest[2]) + window
end
return {0, 0, reset}
`)

var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local start = now - (now % window)
local wkey = key .. ':' .. start
local count = redis.call('INCR', wkey)
if count == 1 then
    redis.call('PEXPIRE', wkey, window)
end

local reset = start + window
if count <= limit then
    return {1, limit - count, reset}
end
return {0, 0, reset}
`)

// RedisLimiter evaluates a rule against a shared Redis store so every
// gateway instance draws from the same budget. Store calls run behind a
// circuit breaker; on store error or an open guard the limiter fails open
// with a warning, trading strictness for availability.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
	rule   Rule
	script *redis.Script
	guard  *gobreaker.CircuitBreaker[[]int64]

	now func() time.Time
}

// NewRedisLimiter builds the distributed limiter for a rule. Adaptive rules
// have no distributed mode.
func NewRedisLimiter(client redis.UniversalClient, prefix string, rule Rule) (*RedisLimiter, error) {
	if err := rule.validate(); err != nil {
		return nil, err
	}
	var script *redis.Script
	switch rule.Algorithm {
	case TokenBucket:
		script = tokenBucketScript
	case SlidingWindow:
		script = slidingWindowScript
	case FixedWindow:
		script = fixedWindowScript
	default:
		return nil, fmt.Errorf("ratelimit: rule %s: algorithm %q has no distributed mode", rule.ID, rule.Algorithm)
	}
	if prefix == "" {
		prefix = "gantry:rl:"
	}
	if rule.Burst <= 0 {
		rule.Burst = rule.Limit
	}
	guard := gobreaker.NewCircuitBreaker[[]int64](gobreaker.Settings{
		Name:    "ratelimit-redis:" + rule.ID,
		Timeout: 5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rule:   rule,
		script: script,
		guard:  guard,
		now:    time.Now,
	}, nil
}

func (rl *RedisLimiter) Consume(ctx context.Context, key string) (Decision, error) {
	now := rl.now()
	nowMs := now.UnixMilli()
	windowMs := rl.rule.Window.Milliseconds()

	result, err := rl.guard.Execute(func() ([]int64, error) {
		ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		switch rl.rule.Algorithm {
		case TokenBucket:
			rate := float64(rl.rule.Limit) / rl.rule.Window.Seconds()
			ttl := rl.rule.Window.Milliseconds() * 2
			return rl.script.Run(ctx, rl.client, []string{rl.prefix + key},
				nowMs, rate, rl.rule.Burst, ttl).Int64Slice()
		default:
			return rl.script.Run(ctx, rl.client, []string{rl.prefix + key},
				nowMs, windowMs, rl.rule.Limit).Int64Slice()
		}
	})
	if err != nil {
		logging.Warn("distributed rate limit unavailable, failing open",
			zap.String("rule", rl.rule.ID), zap.Error(err))
		return Decision{
			Allowed:   true,
			Limit:     rl.limitHeader(),
			Remaining: rl.limitHeader(),
			ResetAt:   now.Add(rl.rule.Window),
		}, nil
	}
	if len(result) < 3 {
		return Decision{}, fmt.Errorf("ratelimit: rule %s: malformed script reply", rl.rule.ID)
	}

	resetAt := time.UnixMilli(result[2])
	d := Decision{
		Allowed:   result[0] == 1,
		Limit:     rl.limitHeader(),
		Remaining: int(result[1]),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	return d, nil
}

func (rl *RedisLimiter) limitHeader() int {
	if rl.rule.Algorithm == TokenBucket {
		return rl.rule.Burst
	}
	return rl.rule.Limit
}
