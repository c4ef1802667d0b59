// Package ratelimit provides the capacity-aware token bucket consulted by
// the query translators to stay inside a backend's provisioned throughput.
//
// Debits are usage-based and happen after the fact: the backend reports how
// many capacity units a call actually consumed, and that amount is taken out
// of the bucket. A burst can therefore overdraw the nominal budget; the next
// Wait absorbs the overdraft as a delay. Capacity exhaustion is never an
// error.
package ratelimit

import (
	"context"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token-bucket throttle over a declared capacity budget in
// units per second. A nil *Bucket is valid and imposes no limit.
type Bucket struct {
	limiter *rate.Limiter
	units   float64
}

// New builds a Bucket for the given capacity budget. A non-positive budget
// returns nil, meaning unlimited.
func New(unitsPerSecond float64) *Bucket {
	if unitsPerSecond <= 0 {
		return nil
	}
	burst := int(math.Ceil(unitsPerSecond))
	return &Bucket{
		limiter: rate.NewLimiter(rate.Limit(unitsPerSecond), burst),
		units:   unitsPerSecond,
	}
}

// Debit charges consumed capacity against the bucket in full. A single
// ReserveN call cannot exceed the burst, so oversized reports are drained in
// burst-sized reservations; the accumulated debt surfaces through Delay.
func (b *Bucket) Debit(units float64) {
	if b == nil || units <= 0 {
		return
	}
	n := int(math.Ceil(units))
	burst := b.limiter.Burst()
	now := time.Now()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		// ReserveN never fails for chunk <= burst; the reservation is kept
		// so the spent tokens shift future delays.
		b.limiter.ReserveN(now, chunk)
		n -= chunk
	}
}

// Delay returns how long a caller should pause before the next physical
// call. Zero means the bucket has capacity available now.
func (b *Bucket) Delay() time.Duration {
	if b == nil {
		return 0
	}
	tokens := b.limiter.TokensAt(time.Now())
	if tokens >= 1 {
		return 0
	}
	return time.Duration((1 - tokens) / b.units * float64(time.Second))
}

// Wait pauses for the bucket's computed delay. The sleep is not interrupted
// mid-way; ctx is only consulted before sleeping so an already-cancelled
// context returns immediately.
func (b *Bucket) Wait(ctx context.Context) error {
	if b == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if d := b.Delay(); d > 0 {
		time.Sleep(d)
	}
	return nil
}
