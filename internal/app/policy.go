package app

import "time"

// ReconnectPolicy maps a retry attempt (0-based) to the wait before it.
// ok is false once the caller must stop retrying and surface a
// persistent failure.
type ReconnectPolicy interface {
	Delay(attempt int) (d time.Duration, ok bool)
}

// ExponentialPolicy doubles from Base up to Max. MaxAttempts <= 0 means
// unbounded.
type ExponentialPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

func DefaultPolicy() ExponentialPolicy {
	return ExponentialPolicy{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 5}
}

func (p ExponentialPolicy) Delay(attempt int) (time.Duration, bool) {
	if attempt < 0 {
		attempt = 0
	}
	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return 0, false
	}
	d := p.Base
	for range attempt {
		if p.Max > 0 && d >= p.Max {
			break
		}
		d *= 2
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d, true
}

// Backoff tracks the attempt counter for a ReconnectPolicy.
// Not safe for concurrent use.
type Backoff struct {
	policy  ReconnectPolicy
	attempt int
}

func NewBackoff(p ReconnectPolicy) *Backoff {
	return &Backoff{policy: p}
}

// Next returns the next delay and advances the counter.
func (b *Backoff) Next() (time.Duration, bool) {
	d, ok := b.policy.Delay(b.attempt)
	if ok {
		b.attempt++
	}
	return d, ok
}

// Reset is called after a success.
func (b *Backoff) Reset() { b.attempt = 0 }

func (b *Backoff) Attempt() int { return b.attempt }
