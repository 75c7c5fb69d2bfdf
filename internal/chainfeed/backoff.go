package chainfeed

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: exponential from Base, capped at Cap,
// with a symmetric jitter of JitterPct percent applied after the cap. A
// delay at the cap therefore ranges over Cap±JitterPct.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	JitterPct int

	// rand returns a float in [0,1). Replaced in tests.
	rand func() float64
}

// DefaultBackoff is 500ms doubling to 30s with ±20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Cap: 30 * time.Second, JitterPct: 20}
}

// Delay returns the wait before reconnect attempt number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt && d < b.Cap; i++ {
		d *= 2
	}
	if d > b.Cap {
		d = b.Cap
	}
	if b.JitterPct > 0 {
		r := b.rand
		if r == nil {
			r = rand.Float64
		}
		// factor in [1-j, 1+j)
		j := float64(b.JitterPct) / 100
		d = time.Duration(float64(d) * (1 - j + 2*j*r()))
	}
	return d
}
