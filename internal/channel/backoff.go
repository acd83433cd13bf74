// ABOUTME: Exponential reconnect backoff with symmetric jitter
// ABOUTME: Delay(n) = min(initial*2^(n-1) scaled by 1 +/- jitter, max)

package channel

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  float64 // 0.5 spreads each delay over [0.5d, 1.5d], never above Max

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// DefaultBackoff is 1s doubling to 30s with +/-50% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Jitter: 0.5}
}

// Delay returns the wait before attempt n (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter <= 0 {
		return d
	}
	rnd := b.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	scale := 1 + b.Jitter*(2*rnd()-1)
	d = time.Duration(float64(d) * scale)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
