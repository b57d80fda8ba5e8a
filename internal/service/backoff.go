package service

import (
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays: raw(n) = Base * 2^(n-1), plus up to half of
// raw(n) in jitter, never more than Cap. Delays are non-decreasing in n and
// equal Cap once raw(n) reaches it.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
	// Jitter returns a value in [0, n). Nil uses math/rand/v2.
	Jitter func(n int64) int64
}

// Raw is the delay before jitter for the n-th failed attempt (n >= 1).
func (b Backoff) Raw(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n; i++ {
		if d >= b.Cap || d > time.Duration(1<<62)/2 {
			return b.Cap
		}
		d *= 2
	}
	return min(d, b.Cap)
}

// Delay is the wait after the n-th failed attempt.
func (b Backoff) Delay(n int) time.Duration {
	raw := b.Raw(n)
	if raw >= b.Cap {
		return b.Cap
	}
	half := int64(raw / 2)
	if half <= 0 {
		return raw
	}
	jitter := b.Jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return min(raw+time.Duration(jitter(half)), b.Cap)
}
