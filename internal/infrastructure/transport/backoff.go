package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff configures reconnect scheduling after an unexpected drop.
type Backoff struct {
	// Base is the delay before the first reconnect attempt.
	Base time.Duration
	// Max caps any single delay.
	Max time.Duration
	// Multiplier grows the delay per attempt. 2.0 doubles it.
	Multiplier float64
	// Jitter adds up to ±Jitter of the delay. 0.1 is 10%.
	Jitter float64
	// MaxAttempts bounds consecutive failed attempts before the connection
	// is declared unreachable.
	MaxAttempts int
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        time.Second,
		Max:         30 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before the given attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt-1))
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // jitter only
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
