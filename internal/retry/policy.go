// Package retry holds the backoff policy applied to failed queue items.
//
// Delay for attempt n is min(Base * 2^(n-1), Cap). With the defaults that is
// 5m, 10m, 20m, ... capped at 2h.
package retry

import "time"

const (
	DefaultBase        = 5 * time.Minute
	DefaultCap         = 2 * time.Hour
	DefaultMaxAttempts = 3
)

type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, MaxAttempts: DefaultMaxAttempts}
}

// WithMaxAttempts returns a copy of p with a per-platform attempt budget.
// Non-positive values keep the current budget.
func (p Policy) WithMaxAttempts(n int) Policy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultCap
	}
	if p.Cap < p.Base {
		p.Cap = p.Base
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// Backoff returns the delay before the next try after the given attempt
// number (1-based). It is non-decreasing in attempt and never exceeds Cap.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Cap/2 {
			return p.Cap
		}
		d *= 2
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Exhausted reports whether no attempts remain.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.normalized().MaxAttempts
}

func (p Policy) Max() int {
	return p.normalized().MaxAttempts
}

// DeferRateLimit decides whether a rate-limited attempt may be pushed back
// without consuming an attempt. It may, unless the retry-after window is
// longer than the backoff the next consumed attempt would get anyway; in that
// case the attempt is consumed so the item cannot stall forever.
func (p Policy) DeferRateLimit(attempts int, retryAfter time.Duration) bool {
	return retryAfter <= p.Backoff(attempts+1)
}
