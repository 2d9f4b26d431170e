package registration

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// MaxRetries bounds the attempts in one burst, the first included.
	MaxRetries = 3

	// BaseDelay is the wait before the first retry.
	BaseDelay = 30 * time.Second

	// MaxDelay caps any single wait.
	MaxDelay = 5 * time.Minute
)

// newPolicy returns the deterministic exponential schedule: 30s doubling
// per attempt, capped at 5m, with no jitter and no elapsed-time limit.
func newPolicy() *backoff.ExponentialBackOff {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     BaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         MaxDelay,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	policy.Reset()

	return policy
}

// burstPolicy allows MaxRetries-1 scheduled retries after the first
// attempt.
func burstPolicy() backoff.BackOff {
	return backoff.WithMaxRetries(newPolicy(), MaxRetries-1)
}

// Delay returns the wait scheduled after failed attempt n (zero based):
// min(30s * 2^n, 5m).
func Delay(attempt int) time.Duration {
	policy := newPolicy()

	delay := policy.NextBackOff()
	for range attempt {
		delay = policy.NextBackOff()
	}

	return delay
}
