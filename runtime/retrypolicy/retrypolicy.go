// Package retrypolicy executes step and job attempts under the retry
// policies declared on job definitions and workflow steps. It delegates the
// retry loop to github.com/avast/retry-go so backoff, jitter and context
// cancellation behave the same everywhere a policy applies.
package retrypolicy

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/weftworks/weft/catalog/job"
)

// defaultDelay applies when a policy requests retries without an explicit
// initial delay.
const defaultDelay = time.Second

// OnRetry is invoked before each retried attempt. attempt is the attempt
// number about to execute (2 for the first retry), delay the backoff that
// was applied and err the failure that caused the retry.
type OnRetry func(attempt int, delay time.Duration, err error)

// Do runs fn under the policy. A nil policy or MaxAttempts <= 1 executes fn
// exactly once. fn receives the 1-based attempt number. The last attempt's
// error is returned; errors wrapped with Unrecoverable stop the loop
// immediately, as does context cancellation.
func Do(ctx context.Context, policy *job.RetryPolicy, onRetry OnRetry, fn func(attempt int) error) error {
	attempts := 1
	if policy != nil {
		attempts = policy.Attempts()
	}
	if attempts <= 1 {
		return fn(1)
	}

	attempt := 0
	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(true),
		retry.Delay(initialDelay(policy)),
		retry.OnRetry(func(n uint, err error) {
			if onRetry != nil {
				// n is the 0-based index of the failed attempt.
				next := int(n) + 2
				onRetry(next, DelayFor(policy, next), err)
			}
		}),
	}
	if policy.MaxDelayMs > 0 {
		opts = append(opts, retry.MaxDelay(time.Duration(policy.MaxDelayMs)*time.Millisecond))
	}
	delayType := retry.FixedDelay
	if policy.Strategy == job.RetryExponential {
		delayType = retry.BackOffDelay
	}
	if policy.Jitter {
		opts = append(opts,
			retry.MaxJitter(initialDelay(policy)),
			retry.DelayType(retry.CombineDelay(delayType, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(delayType))
	}

	return retry.Do(func() error {
		attempt++
		return fn(attempt)
	}, opts...)
}

// Unrecoverable marks err so Do stops retrying immediately. Validation and
// other permanent failures use this to skip the remaining attempts.
func Unrecoverable(err error) error {
	return retry.Unrecoverable(err)
}

// IsRecoverable reports whether err would be retried by Do.
func IsRecoverable(err error) bool {
	return retry.IsRecoverable(err)
}

// DelayFor computes the backoff applied before the given attempt (2-based
// for the first retry), ignoring jitter. Exponential policies double the
// initial delay per retry and cap at MaxDelayMs when set.
func DelayFor(policy *job.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt <= 1 {
		return 0
	}
	delay := initialDelay(policy)
	if policy.Strategy == job.RetryExponential {
		for i := 2; i < attempt; i++ {
			delay *= 2
		}
	}
	if policy.MaxDelayMs > 0 {
		if max := time.Duration(policy.MaxDelayMs) * time.Millisecond; delay > max {
			delay = max
		}
	}
	return delay
}

func initialDelay(policy *job.RetryPolicy) time.Duration {
	if policy == nil || policy.InitialDelayMs <= 0 {
		return defaultDelay
	}
	return time.Duration(policy.InitialDelayMs) * time.Millisecond
}
