package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/shard"
)

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// tokenBucket refills fractional tokens continuously and spends one whole
// token per admitted request. Tokens stay clamped to [0, burst].
type tokenBucket struct {
	rate    float64 // tokens per second
	burst   int
	buckets *shard.Map[*bucket]

	now func() time.Time
}

// NewTokenBucket builds a token-bucket limiter admitting capacity requests
// per period with the given burst ceiling (defaulting to capacity).
func NewTokenBucket(capacity int, period time.Duration, burst int) Limiter {
	if burst <= 0 {
		burst = capacity
	}
	return &tokenBucket{
		rate:    float64(capacity) / period.Seconds(),
		burst:   burst,
		buckets: shard.NewMap[*bucket](),
		now:     time.Now,
	}
}

func (tb *tokenBucket) Consume(_ context.Context, key string) (Decision, error) {
	now := tb.now()
	tb.compact(now)

	b := tb.buckets.GetOrCreate(key, func() *bucket {
		return &bucket{tokens: float64(tb.burst), lastFill: now}
	})

	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(float64(tb.burst), b.tokens+elapsed*tb.rate)
		b.lastFill = now
	}

	d := Decision{Limit: tb.burst}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		d.ResetAt = now.Add(tb.timeToFull(b.tokens))
		return d, nil
	}

	wait := time.Duration(math.Ceil((1-b.tokens)/tb.rate*1000)) * time.Millisecond
	d.RetryAfter = wait
	d.ResetAt = now.Add(wait)
	return d, nil
}

// timeToFull is how long until the bucket refills completely.
func (tb *tokenBucket) timeToFull(tokens float64) time.Duration {
	missing := float64(tb.burst) - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / tb.rate * float64(time.Second))
}

// compact drops buckets that have been idle long enough to be full again.
// Runs only once the store grows past the threshold.
func (tb *tokenBucket) compact(now time.Time) {
	if tb.buckets.Len() < compactThreshold {
		return
	}
	idle := tb.timeToFull(0) + time.Minute
	tb.buckets.DeleteFunc(func(_ string, b *bucket) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return now.Sub(b.lastFill) > idle
	})
}
