package voice

import (
	"errors"
	"math"
	"time"
)

// Backoff computes reconnect delays: Initial·Multiplier^(n-1), capped at Max,
// spread by ±Jitter and capped again.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // fraction, 0 <= Jitter < 1
}

// Delay returns the wait before the attempt that follows the n-th
// consecutive failure. r is a uniform random number in [0, 1).
func (b Backoff) Delay(n int, r float64) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		d *= 1 + b.Jitter*(2*r-1)
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// DelayFor is Delay, raised to the platform's retry-after hint when err is a
// rate limit. The result never exceeds Max.
func (b Backoff) DelayFor(n int, r float64, err error) time.Duration {
	d := b.Delay(n, r)
	var te *TransportError
	if errors.As(err, &te) && te.Kind == KindRateLimited && te.RetryAfter > d {
		d = min(te.RetryAfter, b.Max)
	}
	return d
}
