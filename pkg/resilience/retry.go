package resilience

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff. MaxAttempts
// counts the first call, so MaxAttempts=3 means at most two retries.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func NewRetryPolicy(maxAttempts int, base time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	return RetryPolicy{MaxAttempts: maxAttempts, BaseBackoff: base, MaxBackoff: 5 * time.Second}
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is done.
// The delay doubles after each failed attempt, capped at MaxBackoff.
func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := r.BaseBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if r.MaxBackoff > 0 && delay > r.MaxBackoff {
			delay = r.MaxBackoff
		}
	}
	return err
}
