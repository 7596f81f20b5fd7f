package ratelimit

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisLimiterDefaults(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	rl, err := NewRedisLimiter(client, "", Rule{
		ID:        "r1",
		Algorithm: SlidingWindow,
		Limit:     100,
		Window:    time.Minute,
	})
	if err != nil {
		t.Fatalf("NewRedisLimiter: %v", err)
	}
	if rl.prefix != "gantry:rl:" {
		t.Errorf("prefix = %q, want default", rl.prefix)
	}
	if rl.rule.Burst != 100 {
		t.Errorf("burst = %d, want defaulted to limit", rl.rule.Burst)
	}
	if rl.script != slidingWindowScript {
		t.Error("wrong script bound for sliding-window")
	}
}

func TestNewRedisLimiterScriptSelection(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	cases := []struct {
		algo   Algorithm
		script *redis.Script
	}{
		{TokenBucket, tokenBucketScript},
		{SlidingWindow, slidingWindowScript},
		{FixedWindow, fixedWindowScript},
	}
	for _, tc := range cases {
		rl, err := NewRedisLimiter(client, "p:", Rule{
			ID: "r", Algorithm: tc.algo, Limit: 10, Window: time.Second,
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.algo, err)
		}
		if rl.script != tc.script {
			t.Errorf("%s: wrong script bound", tc.algo)
		}
	}
}

func TestNewRedisLimiterRejectsAdaptive(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	if _, err := NewRedisLimiter(client, "", Rule{
		ID: "r", Algorithm: Adaptive, Limit: 10, Window: time.Second,
	}); err == nil {
		t.Error("adaptive must have no distributed mode")
	}
}
