package mqtt

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Initial, capped
// at Max, with full jitter (a uniform pick in [0, ceiling]).
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	// jitter returns a value in [0, n). Replaced in tests.
	jitter func(n int64) int64
}

// NewBackoff returns a Backoff. Non-positive arguments fall back to 1s and 30s.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = 30 * time.Second
		if max < initial {
			max = initial
		}
	}
	return &Backoff{Initial: initial, Max: max, jitter: rand.Int64N}
}

// Ceiling returns the upper bound for the given zero-based attempt.
func (b *Backoff) Ceiling(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 62 {
		return b.Max
	}
	d := b.Initial << uint(attempt)
	if d <= 0 || d > b.Max || d>>uint(attempt) != b.Initial {
		return b.Max
	}
	return d
}

// Delay returns the jittered wait before the given zero-based attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	ceiling := b.Ceiling(attempt)
	jitter := b.jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return time.Duration(jitter(int64(ceiling) + 1))
}
