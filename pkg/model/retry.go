package model

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy mirrors the engine's transient-failure contract: exponential
// backoff starting at InitialInterval, doubling up to MaxInterval, with
// randomized jitter, for at most MaxAttempts tries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is 1 s initial, 60 s cap, 6 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 6, InitialInterval: time.Second, MaxInterval: 60 * time.Second}
}

// Retry runs op under the policy. Transient errors (rate limit, timeout,
// backend unavailable) are retried; anything else aborts immediately.
// Returns the number of attempts made, for receipt cost metadata.
func Retry(ctx context.Context, policy RetryPolicy, op func() error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.InitialInterval
	eb.MaxInterval = policy.MaxInterval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.5
	eb.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	var b backoff.BackOff = backoff.WithContext(eb, ctx)
	if policy.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(policy.MaxAttempts-1))
	}

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return attempts, err
}
