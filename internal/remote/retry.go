package remote

import (
	"context"
	"time"
)

// RetryPolicy bounds the attempts made for one remote call.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  30 * time.Second,
	}
}

// Normalize fills zero fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseBackoff < 0 {
		p.BaseBackoff = 0
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	return p
}

// Backoff returns the delay before the given retry (1-based), doubling from
// BaseBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.Normalize()
	if attempt <= 0 {
		attempt = 1
	}
	backoff := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if backoff > p.MaxBackoff {
		return p.MaxBackoff
	}
	return backoff
}

// Do calls fn until it succeeds, returns an error retryable rejects, or the
// attempts are spent. Each attempt gets its own timeout when timeout > 0.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, timeout time.Duration, retryable func(error) bool, fn func(context.Context) error) (int, error) {
	p = p.Normalize()
	var err error
	for attempt := 1; ; attempt++ {
		err = callWithTimeout(ctx, timeout, fn)
		if err == nil {
			return attempt, nil
		}
		if attempt >= p.MaxAttempts || (retryable != nil && !retryable(err)) {
			return attempt, err
		}
		if werr := wait(ctx, p.Backoff(attempt)); werr != nil {
			return attempt, err
		}
	}
}

func callWithTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
