package helpers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/omnibot/omnirelay/helpers/atomic_clock"
)

// Backoff is limited exponential delay between retries.
// First delay is always 0, every Failure() multiplies next delay by K
// up to Max, Reset() returns to Min.
// Safe for concurrent use.
type Backoff struct {
	next  int64 // atomic align
	fails int32
	last  atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// DelayBefore returns remaining part of current delay since last Failure or Reset.
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Failure increases next delay and consecutive failure count.
func (b *Backoff) Failure() int {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		k := b.K
		if k < 1 {
			k = 1
		}
		next = time.Duration(float32(next) * k)
	}
	atomic.StoreInt64(&b.next, int64(b.limit(next)))
	b.last.SetNow()
	return int(atomic.AddInt32(&b.fails, 1))
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(b.Min))
	atomic.StoreInt32(&b.fails, 0)
}

// Failures is count of Failure() calls since last Reset().
func (b *Backoff) Failures() int { return int(atomic.LoadInt32(&b.fails)) }

// Sleep waits DelayBefore() or until ctx is done.
func (b *Backoff) Sleep(ctx context.Context) error {
	d := b.DelayBefore()
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
