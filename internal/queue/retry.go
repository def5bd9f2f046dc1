package queue

import (
	"math/rand"
	"time"
)

// RetryPolicy computes the backoff schedule after a failed attempt:
// exponential in the attempt number, capped, with optional jitter. Pure
// given a rand source, so it is unit-testable without a store.
type RetryPolicy struct {
	// Base is the delay after the first failure. Defaults to 5s.
	Base time.Duration
	// Cap bounds the delay. Defaults to 10m.
	Cap time.Duration
	// Jitter shaves up to 25% off the computed delay so retries from a burst
	// of correlated failures spread out. The shaved range keeps delays
	// monotonically non-decreasing across attempts.
	Jitter bool
	// Rand overrides the jitter source. Nil uses math/rand.
	Rand func(n int64) int64
}

// Decision is the outcome of a failure: retry after Delay, or give up.
type Decision struct {
	Dead  bool
	Delay time.Duration
}

// Decide returns what happens after attempt attempts have been consumed out
// of maxAttempts. attempt counts the failure being decided.
func (p RetryPolicy) Decide(attempt, maxAttempts int32) Decision {
	if maxAttempts > 0 && attempt >= maxAttempts {
		return Decision{Dead: true}
	}

	base := p.Base
	if base <= 0 {
		base = 5 * time.Second
	}
	ceiling := p.Cap
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	if base > ceiling {
		base = ceiling
	}

	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	delay := ceiling
	if shift < 32 && base<<shift > 0 && base<<shift <= ceiling {
		delay = base << shift
	}

	if p.Jitter && delay > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Int63n
		}
		delay -= time.Duration(rnd(int64(delay)/4 + 1))
	}
	return Decision{Delay: delay}
}
