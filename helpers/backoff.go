package helpers

import (
	"context"
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays.
// Choose DelayAfter or DelayBefore whichever fits your code better.
// First delay is always 0.
// Update(false) or Failure() increases next delay by K.
type Backoff struct {
	next     int64 // atomic align
	failures int64
	last     int64 // unix nano of last Failure or Reset

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   err := op()
//   time.Sleep(backoff.DelayAfter(err==nil))
// }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	b.Update(success)
	return b.DelayBefore()
}

// Use scenario:
// for {
//   time.Sleep(backoff.DelayBefore())
//   err := op()
//   backoff.Update(err==nil)
// }
func (b *Backoff) DelayBefore() time.Duration {
	if atomic.LoadInt64(&b.failures) == 0 {
		return 0
	}
	delay := b.limit(time.Duration(atomic.LoadInt64(&b.next)))
	since := time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&b.last))
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Increase next Delay()
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if atomic.AddInt64(&b.failures, 1) > 1 {
		k := b.K
		if k < 1 {
			k = 1
		}
		next = time.Duration(float32(next) * k)
	}
	next = b.limit(next)
	atomic.StoreInt64(&b.last, time.Now().UnixNano())
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.last, time.Now().UnixNano())
	atomic.StoreInt64(&b.failures, 0)
	atomic.StoreInt64(&b.next, int64(b.Min))
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

// Failures since last Reset()
func (b *Backoff) Failures() int { return int(atomic.LoadInt64(&b.failures)) }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}

// Sleep returns ctx.Err() if context is done before d elapsed.
// This is the only suspension primitive loops should use, never time.Sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
