// Package ratelimit implements the abuse-protection primitives used in front
// of the write path: a fixed-window counter, a sliding-window log and an
// exponential backoff tracker.
//
// Every limiter answers Check without mutating the count (the fixed window may
// lazily roll an expired window) and leaves it to the caller to record the
// outcome of the attempt with Increment, RecordFailure or RecordSuccess.
// Checks never fail: a rejected request is Result.Allowed == false.
package ratelimit

import (
	"time"
)

// IdleTTL is how long a record may stay untouched before Sweep drops it.
const IdleTTL = time.Hour

// Result is the outcome of a Check.
type Result struct {
	Allowed       bool      `json:"allowed"`
	Remaining     int       `json:"remaining"`
	ResetTime     time.Time `json:"reset_time"`
	TotalRequests int       `json:"total_requests"`
}

// Limiter is the read side shared by all algorithms.
type Limiter interface {
	Name() string
	Check(identifier string) Result
}

// Counter is a Limiter whose successful attempts are counted.
type Counter interface {
	Limiter
	Increment(identifier string)
}

// Sweeper drops records that have been idle for longer than IdleTTL.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Clock lets tests control time.
type Clock func() time.Time

func key(policy, identifier string) string {
	return policy + ":" + identifier
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
