package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrRateLimited is returned by callers when a request was refused admission
// and the retry budget is exhausted.
var ErrRateLimited = errors.New("ratelimit: rate limited")

// Default retry parameters for rate-limited or transient failures.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// RetryPolicy is the single reusable retry policy applied to all network
// call sites: up to MaxAttempts attempts, exponential backoff from
// BaseDelay, retrying only when Retriable returns true for the error.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Retriable   func(error) bool
	Sleep       func(ctx context.Context, d time.Duration) error // injectable for tests
}

// DefaultRetryPolicy returns the policy used by the command dispatcher.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Retriable:   func(err error) bool { return errors.Is(err, ErrRateLimited) },
	}
}

// Do runs fn up to MaxAttempts times. Non-retriable errors abort
// immediately. Backoff doubles each attempt and respects ctx cancellation,
// so an in-flight send observes a session close and abandons its retries.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	baseDelay := p.BaseDelay
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if p.Retriable == nil || !p.Retriable(err) {
			return err
		}
	}
	return err
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
