package vuo

import (
	"time"

	"github.com/petrijr/vuo/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy api.RetryPolicy
}

// Retry creates a RetryBuilder allowing the given number of
// additional attempts after the first.
//
// maxAttempts < 0 is treated as 0 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	p := api.DefaultRetryPolicy()
	p.MaxAttempts = maxAttempts
	return RetryBuilder{policy: p}
}

// Linear configures a linearly growing delay: delay, 2*delay,
// 3*delay, ...
func (r RetryBuilder) Linear(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = api.BackoffLinear
	p.Delay = delay
	return RetryBuilder{policy: p}
}

// Exponential configures a doubling delay: delay, 2*delay, 4*delay, ...
func (r RetryBuilder) Exponential(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Backoff = api.BackoffExponential
	p.Delay = delay
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy.
func (r RetryBuilder) Policy() api.RetryPolicy {
	return r.policy
}
