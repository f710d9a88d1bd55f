package portal

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff is a deterministic exponential policy: attempt n waits
// Base * 2^(n-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// BackOff adapts the policy to backoff.BackOff.
func (b Backoff) BackOff() backoff.BackOff {
	return &attemptBackOff{policy: b}
}

type attemptBackOff struct {
	policy  Backoff
	attempt int
}

func (a *attemptBackOff) NextBackOff() time.Duration {
	a.attempt++
	return a.policy.Delay(a.attempt)
}

func (a *attemptBackOff) Reset() { a.attempt = 0 }

// realTimer implements backoff.Timer on time.Timer.
type realTimer struct {
	t *time.Timer
}

func newRealTimer() backoff.Timer { return &realTimer{} }

func (r *realTimer) Start(d time.Duration) {
	if r.t == nil {
		r.t = time.NewTimer(d)
		return
	}
	r.t.Reset(d)
}

func (r *realTimer) Stop() {
	if r.t != nil {
		r.t.Stop()
	}
}

func (r *realTimer) C() <-chan time.Time { return r.t.C }
