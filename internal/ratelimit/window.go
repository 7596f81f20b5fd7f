package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/gantrygw/gantry/internal/shard"
)

type windowLog struct {
	mu       sync.Mutex
	arrivals []time.Time
}

// slidingWindow keeps the exact arrival log inside the window per key.
type slidingWindow struct {
	limit  int
	window time.Duration
	keys   *shard.Map[*windowLog]

	now func() time.Time
}

// NewSlidingWindow builds a sliding-window limiter admitting limit requests
// in any window-length interval.
func NewSlidingWindow(limit int, window time.Duration) Limiter {
	return &slidingWindow{
		limit:  limit,
		window: window,
		keys:   shard.NewMap[*windowLog](),
		now:    time.Now,
	}
}

func (sw *slidingWindow) Consume(_ context.Context, key string) (Decision, error) {
	now := sw.now()
	sw.compact(now)

	log := sw.keys.GetOrCreate(key, func() *windowLog { return &windowLog{} })

	log.mu.Lock()
	defer log.mu.Unlock()

	cutoff := now.Add(-sw.window)
	kept := log.arrivals[:0]
	for _, t := range log.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	log.arrivals = kept

	d := Decision{Limit: sw.limit}
	if len(log.arrivals) < sw.limit {
		log.arrivals = append(log.arrivals, now)
		d.Allowed = true
		d.Remaining = sw.limit - len(log.arrivals)
		d.ResetAt = log.arrivals[0].Add(sw.window)
		return d, nil
	}

	oldest := log.arrivals[0]
	d.RetryAfter = oldest.Add(sw.window).Sub(now)
	d.ResetAt = oldest.Add(sw.window)
	return d, nil
}

func (sw *slidingWindow) compact(now time.Time) {
	if sw.keys.Len() < compactThreshold {
		return
	}
	cutoff := now.Add(-sw.window)
	sw.keys.DeleteFunc(func(_ string, l *windowLog) bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return len(l.arrivals) == 0 || !l.arrivals[len(l.arrivals)-1].After(cutoff)
	})
}

type windowCount struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// fixedWindow counts per aligned window; the counter resets implicitly when
// the window rolls.
type fixedWindow struct {
	limit  int
	window time.Duration
	keys   *shard.Map[*windowCount]

	now func() time.Time
}

// NewFixedWindow builds a fixed-window limiter with windows aligned to
// floor(now/window)*window.
func NewFixedWindow(limit int, window time.Duration) Limiter {
	return &fixedWindow{
		limit:  limit,
		window: window,
		keys:   shard.NewMap[*windowCount](),
		now:    time.Now,
	}
}

func (fw *fixedWindow) Consume(_ context.Context, key string) (Decision, error) {
	now := fw.now()
	fw.compact(now)

	wc := fw.keys.GetOrCreate(key, func() *windowCount { return &windowCount{} })

	wc.mu.Lock()
	defer wc.mu.Unlock()

	start := now.Truncate(fw.window)
	if !wc.start.Equal(start) {
		wc.start = start
		wc.count = 0
	}

	reset := start.Add(fw.window)
	d := Decision{Limit: fw.limit, ResetAt: reset}
	if wc.count < fw.limit {
		wc.count++
		d.Allowed = true
		d.Remaining = fw.limit - wc.count
		return d, nil
	}
	d.RetryAfter = reset.Sub(now)
	return d, nil
}

func (fw *fixedWindow) compact(now time.Time) {
	if fw.keys.Len() < compactThreshold {
		return
	}
	start := now.Truncate(fw.window)
	fw.keys.DeleteFunc(func(_ string, wc *windowCount) bool {
		wc.mu.Lock()
		defer wc.mu.Unlock()
		return wc.start.Before(start)
	})
}
