package stage

import (
	"math/rand"
	"time"
)

// RetryPolicy governs in-place retries of transiently failing stages. It is
// an explicit parameter object rather than framework behavior so tests can
// exercise the exact ceiling and backoff curve.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries per stage, first run included.
	MaxAttempts int
	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration
	// BackoffCap bounds the exponential growth.
	BackoffCap time.Duration
	// Jitter is the fraction (0..1) of random spread applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy matches the pipeline defaults: three attempts, 2s base,
// 60s cap, 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		BackoffCap:  60 * time.Second,
		Jitter:      0.2,
	}
}

// Delay returns the backoff before retry number attempt (1-based: attempt 1
// is the delay after the first failure). The curve is base·2^(attempt-1),
// capped, with jitter applied last so the cap is a true upper bound on the
// deterministic component.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.BackoffBase
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.BackoffCap > 0 && delay >= p.BackoffCap {
			delay = p.BackoffCap
			break
		}
	}
	if p.BackoffCap > 0 && delay > p.BackoffCap {
		delay = p.BackoffCap
	}

	if p.Jitter > 0 {
		spread := float64(delay) * p.Jitter
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}
