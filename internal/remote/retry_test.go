package remote

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_Normalize(t *testing.T) {
	p := RetryPolicy{BaseBackoff: 3 * time.Second, MaxBackoff: time.Second}.Normalize()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.MaxBackoff != 3*time.Second {
		t.Errorf("MaxBackoff = %v, want raised to base", p.MaxBackoff)
	}
}

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func TestRetryPolicy_DoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	attempts, err := fastPolicy(3).Do(context.Background(), 0, nil, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 || calls != 3 {
		t.Errorf("attempts = %d, calls = %d, want 3", attempts, calls)
	}
}

func TestRetryPolicy_DoGivesUp(t *testing.T) {
	boom := errors.New("boom")
	attempts, err := fastPolicy(2).Do(context.Background(), 0, nil, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestRetryPolicy_DoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	attempts, err := fastPolicy(5).Do(context.Background(), 0,
		func(err error) bool { return !errors.Is(err, permanent) },
		func(context.Context) error {
			calls++
			return permanent
		})
	if !errors.Is(err, permanent) || attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, err = %v; want a single attempt", attempts, calls, err)
	}
}

func TestRetryPolicy_DoAppliesPerAttemptTimeout(t *testing.T) {
	_, err := fastPolicy(1).Do(context.Background(), 10*time.Millisecond, nil, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestRetryPolicy_DoHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{MaxAttempts: 5, BaseBackoff: time.Hour, MaxBackoff: time.Hour}
	calls := 0
	attempts, err := p.Do(ctx, 0, nil, func(context.Context) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	if err == nil || attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, err = %v; want stop after cancel", attempts, calls, err)
	}
}
