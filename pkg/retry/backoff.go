// Package retry computes deterministic backoff schedules and runs bounded
// retry loops for idempotent operations. Paid calls never go through here.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Name        string
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

// DefaultPolicy is used for free backend reads.
var DefaultPolicy = Policy{
	Name:        "default",
	Base:        200 * time.Millisecond,
	Max:         5 * time.Second,
	MaxJitter:   100 * time.Millisecond,
	MaxAttempts: 3,
}

// PollPolicy is used while waiting for a platform-mode anchor.
var PollPolicy = Policy{
	Name:        "poll",
	Base:        500 * time.Millisecond,
	Max:         10 * time.Second,
	MaxJitter:   250 * time.Millisecond,
	MaxAttempts: 0, // bounded by context
}

// Backoff returns the delay before attempt (0-based). Attempt 0 has no delay.
// The jitter is derived from key and attempt so a given operation always
// sees the same schedule.
func Backoff(policy Policy, key string, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := int64(1)
	if attempt > 30 {
		factor = 1 << 30
	} else {
		factor = 1 << attempt
	}

	delay := time.Duration(int64(policy.Base) * factor)
	if delay > policy.Max || delay < 0 {
		delay = policy.Max
	}
	return delay + Jitter(policy, key, attempt)
}

// Jitter is a PRF of (policy, key, attempt) in [0, MaxJitter).
func Jitter(policy Policy, key string, attempt int) time.Duration {
	if policy.MaxJitter <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", policy.Name, key, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(policy.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Schedule lists the delays for every attempt of a bounded policy.
func Schedule(policy Policy, key string) []time.Duration {
	out := make([]time.Duration, policy.MaxAttempts)
	for i := range out {
		out[i] = Backoff(policy, key, i)
	}
	return out
}
