package workflow

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	retryBase = 1.0 * time.Second
	retryCap  = 60.0 * time.Second
	// retryJitterMax is the RECOMMENDED uniform jitter ceiling (§4.5):
	// base=1.5s in original_source/app/core/policy/retry.py is not
	// carried forward — spec.md's explicit base=1.0s/cap=60.0s govern
	// (see DESIGN.md's Open Questions).
	retryJitterMax = 750 * time.Millisecond
)

// BackoffPolicy computes the delay before retry attempt N (1-indexed).
type BackoffPolicy func(attempt int) time.Duration

// DefaultBackoff implements min(cap, base*2^(N-1)) plus uniform
// jitter in [0, 0.75s), per §4.5.
func DefaultBackoff(attempt int) time.Duration {
	if attempt <= 1 {
		return withJitter(retryBase)
	}
	exp := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(retryBase) * exp)
	if delay > retryCap {
		delay = retryCap
	}
	return withJitter(delay)
}

func withJitter(d time.Duration) time.Duration {
	if retryJitterMax <= 0 {
		return d
	}
	return d + time.Duration(rand.Int64N(int64(retryJitterMax)))
}
