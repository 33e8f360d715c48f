// Package atomic_clock is lock free last-activity timestamp.
// Use for time accounting, not where time zone matters.
package atomic_clock

import (
	"sync/atomic"
	"time"
)

type Clock struct{ v int64 }

func source() int64 { return time.Now().UnixNano() }

func (c *Clock) IsZero() bool { return atomic.LoadInt64(&c.v) == 0 }

func (c *Clock) SetNow()             { atomic.StoreInt64(&c.v, source()) }
func (c *Clock) SetTime(t time.Time) { atomic.StoreInt64(&c.v, t.UnixNano()) }
func (c *Clock) SetNowIfZero()       { atomic.CompareAndSwapInt64(&c.v, 0, source()) }

func (c *Clock) Time() time.Time { return time.Unix(0, c.UnixNano()) }
func (c *Clock) Unix() int64     { return c.UnixNano() / int64(time.Second) }
func (c *Clock) UnixNano() int64 { return atomic.LoadInt64(&c.v) }

func New(v int64) *Clock { return &Clock{v: v} }
func Now() *Clock        { return New(source()) }

// Since is time elapsed from begin, zero clock counts from epoch.
func Since(begin *Clock) time.Duration { return time.Duration(source() - begin.UnixNano()) }
func Source() int64                    { return source() }
