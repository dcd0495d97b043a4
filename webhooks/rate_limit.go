package webhooks

import (
	"strings"
	"sync"
	"time"
)

// RateDecision reports a limiter check. RetryAfter is only meaningful when
// Allow is false.
type RateDecision struct {
	Allow      bool
	RetryAfter time.Duration
}

type RateLimiter interface {
	Allow(key string) RateDecision
}

type TokenBucketOptions struct {
	// RatePerMinute is the sustained refill rate; it is also the bucket
	// capacity. Zero falls back to 100.
	RatePerMinute int
	MaxEntries    int
	Now           func() time.Time
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// TokenBucketLimiter keeps one in-memory bucket per key. Keys are app keys
// on the webhook path, so the map stays small; the cleanup pass still
// bounds it against key churn.
type TokenBucketLimiter struct {
	ratePerMinute int
	maxEntries    int
	now           func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewTokenBucketLimiter(opts TokenBucketOptions) *TokenBucketLimiter {
	ratePerMinute := opts.RatePerMinute
	if ratePerMinute <= 0 {
		ratePerMinute = 100
	}
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &TokenBucketLimiter{
		ratePerMinute: ratePerMinute,
		maxEntries:    maxEntries,
		now:           now,
		buckets:       map[string]*bucket{},
	}
}

func (l *TokenBucketLimiter) Allow(key string) RateDecision {
	if l == nil {
		return RateDecision{Allow: true}
	}
	key = strings.TrimSpace(strings.ToLower(key))
	if key == "" {
		return RateDecision{Allow: true}
	}

	now := l.now().UTC()
	refillPerSecond := float64(l.ratePerMinute) / 60.0
	capacity := float64(l.ratePerMinute)

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.buckets[key]
	if !ok {
		entry = &bucket{tokens: capacity, lastSeen: now}
		l.buckets[key] = entry
		l.cleanup(now)
	}

	elapsed := now.Sub(entry.lastSeen).Seconds()
	if elapsed > 0 {
		entry.tokens += elapsed * refillPerSecond
		if entry.tokens > capacity {
			entry.tokens = capacity
		}
	}
	entry.lastSeen = now

	if entry.tokens >= 1 {
		entry.tokens--
		return RateDecision{Allow: true}
	}

	deficit := 1 - entry.tokens
	retryAfter := time.Duration(deficit / refillPerSecond * float64(time.Second))
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return RateDecision{Allow: false, RetryAfter: retryAfter}
}

func (l *TokenBucketLimiter) cleanup(now time.Time) {
	if len(l.buckets) <= l.maxEntries {
		return
	}
	idleCutoff := 10 * time.Minute
	for key, entry := range l.buckets {
		if now.Sub(entry.lastSeen) > idleCutoff {
			delete(l.buckets, key)
		}
		if len(l.buckets) <= l.maxEntries {
			break
		}
	}
}
