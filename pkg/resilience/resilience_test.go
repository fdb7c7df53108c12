package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicyStopsOnSuccess(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(3, time.Millisecond).Do(context.Background(), func() error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestRetryPolicyExhausts(t *testing.T) {
	calls := 0
	err := NewRetryPolicy(2, time.Millisecond).Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 failing calls, got %d (err=%v)", calls, err)
	}
}

func TestRetryPolicyHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_ = NewRetryPolicy(5, time.Second).Do(ctx, func() error {
		calls++
		return errors.New("down")
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt on canceled context, got %d", calls)
	}
}

func TestCircuitBreakerOpensOnRateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	cb.OnError(errors.New("not a rate limit"))
	cb.OnError(RateLimitError{Target: "webhook"})
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after one rate limit")
	}
	cb.OnError(RateLimitError{Target: "webhook"})
	if cb.Allow() {
		t.Fatalf("expected breaker open")
	}
	now = now.Add(2 * time.Minute)
	if !cb.Allow() {
		t.Fatalf("expected breaker closed after cooldown")
	}
}
