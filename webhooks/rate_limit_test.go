package webhooks

import (
	"testing"
	"time"
)

func TestTokenBucketLimiter_ExhaustsAndRefills(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewTokenBucketLimiter(TokenBucketOptions{
		RatePerMinute: 60,
		Now:           func() time.Time { return current },
	})

	for i := 0; i < 60; i++ {
		if decision := limiter.Allow("app1"); !decision.Allow {
			t.Fatalf("expected request %d within capacity to pass", i)
		}
	}

	decision := limiter.Allow("app1")
	if decision.Allow {
		t.Fatalf("expected empty bucket to reject")
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected positive retry-after, got %v", decision.RetryAfter)
	}

	// 60 per minute refills one token per second.
	current = current.Add(time.Second)
	if decision := limiter.Allow("app1"); !decision.Allow {
		t.Fatalf("expected refilled token to pass")
	}
	if decision := limiter.Allow("app1"); decision.Allow {
		t.Fatalf("expected bucket drained again")
	}
}

func TestTokenBucketLimiter_KeysAreIndependent(t *testing.T) {
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewTokenBucketLimiter(TokenBucketOptions{
		RatePerMinute: 1,
		Now:           func() time.Time { return current },
	})

	if decision := limiter.Allow("app1"); !decision.Allow {
		t.Fatalf("expected app1 first request to pass")
	}
	if decision := limiter.Allow("app1"); decision.Allow {
		t.Fatalf("expected app1 second request rejected")
	}
	if decision := limiter.Allow("app2"); !decision.Allow {
		t.Fatalf("expected app2 to have its own bucket")
	}
}

func TestTokenBucketLimiter_EmptyKeyBypasses(t *testing.T) {
	limiter := NewTokenBucketLimiter(TokenBucketOptions{RatePerMinute: 1})
	for i := 0; i < 5; i++ {
		if decision := limiter.Allow("  "); !decision.Allow {
			t.Fatalf("expected blank key to bypass limiting")
		}
	}
}
