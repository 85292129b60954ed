// Package shaper rate-limits traffic that is allowed to be dropped.
package shaper

import "time"

// TokenBucket refills at rate tokens per second up to capacity. It is not
// safe for concurrent use; callers own it from the reactor.
type TokenBucket struct {
	capacity int64
	tokens   int64
	rate     int64
	last     time.Time
}

// NewTokenBucket returns a full bucket. A non-positive capacity defaults to
// one second's worth of tokens.
func NewTokenBucket(ratePerSec, capacity int64, now time.Time) *TokenBucket {
	if capacity <= 0 {
		capacity = ratePerSec
	}
	return &TokenBucket{capacity: capacity, tokens: capacity, rate: ratePerSec, last: now}
}

// Allow consumes n tokens if available. Otherwise it returns how long the
// caller would have to wait for them.
func (b *TokenBucket) Allow(n int64, now time.Time) (bool, time.Duration) {
	if b.rate <= 0 {
		return false, 0
	}
	if dt := now.Sub(b.last); dt > 0 {
		// last advances only by the whole tokens added, keeping the remainder
		add := b.rate * dt.Nanoseconds() / int64(time.Second)
		if add > 0 {
			b.tokens += add
			b.last = b.last.Add(time.Duration(add * int64(time.Second) / b.rate))
			if b.tokens > b.capacity {
				b.tokens = b.capacity
				b.last = now
			}
		}
	}
	if b.tokens >= n {
		b.tokens -= n
		return true, 0
	}
	need := n - b.tokens
	return false, time.Duration(need * int64(time.Second) / b.rate)
}

// Tokens returns the current balance without refilling.
func (b *TokenBucket) Tokens() int64 { return b.tokens }
