package relay

// Values are read and modified atomically, but not consistently,
// i.e. it is possible to read count=1 size=0 because size has not updated yet.

import (
	"expvar"
	"fmt"
	"strings"

	"github.com/omnibot/omnirelay/envelope"
)

// Category groups envelope types for traffic counters.
type Category int

const (
	CategorySession    Category = iota // registration, subscriptions, acks, errors
	CategoryLiveness                   // ping, pong, heartbeat
	CategoryCommand                    // console to robot
	CategoryTelemetry                  // robot to consoles
	CategoryTrajectory                 // estimator output
	categoryCount
)

var categoryNames = [categoryCount]string{"session", "liveness", "cmd", "tele", "trajectory"}

func (c Category) String() string {
	if c < 0 || c >= categoryCount {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

func Classify(t envelope.Type) Category {
	switch {
	case t == envelope.TypePing, t == envelope.TypePong, t == envelope.TypeHeartbeat:
		return CategoryLiveness
	case envelope.IsCommand(t):
		return CategoryCommand
	case envelope.IsTelemetry(t):
		return CategoryTelemetry
	case t == envelope.TypeTrajectoryUpdate:
		return CategoryTrajectory
	}
	return CategorySession
}

// SessionStat is per connection and per server traffic.
// Finished connections are folded into server totals with AddMoveFrom.
type SessionStat struct {
	Conn    expvar.Int
	Invalid expvar.Int // frames that failed to parse
	Recv    Counters
	Send    Counters
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Invalid.Add(other.Invalid.Value())
	ss.Recv.Add(&other.Recv, 1)
	ss.Send.Add(&other.Send, 1)
}

func (ss *SessionStat) Sub(other *SessionStat) {
	ss.Conn.Add(-other.Conn.Value())
	ss.Invalid.Add(-other.Invalid.Value())
	ss.Recv.Add(&other.Recv, -1)
	ss.Send.Add(&other.Send, -1)
}

func (ss *SessionStat) AddMoveFrom(other *SessionStat) {
	snap := other.Value()
	ss.Add(&snap)
	other.Sub(&snap)
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Invalid.Set(ss.Invalid.Value())
	r.Recv.Add(&ss.Recv, 1)
	r.Send.Add(&ss.Send, 1)
	return
}

// String is JSON, so SessionStat is expvar.Var.
func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"invalid":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Invalid.Value(), ss.Recv.String(), ss.Send.String())
}

// Counters is one direction of traffic.
// Total.Size is fed by transport byte counters and includes framing overhead,
// category sizes are encoded envelope length only.
type Counters struct {
	Category [categoryCount]CountSizePair
	Total    CountSizePair
}

// Register counts one envelope.
func (c *Counters) Register(t envelope.Type, size int) {
	c.Total.Count.Add(1)
	c.Category[Classify(t)].add(1, int64(size))
}

func (c *Counters) Of(cat Category) *CountSizePair { return &c.Category[cat] }

// Add adds sign*other, use sign=-1 to subtract.
func (c *Counters) Add(other *Counters, sign int64) {
	for i := range c.Category {
		o := &other.Category[i]
		c.Category[i].add(sign*o.Count.Value(), sign*o.Size.Value())
	}
	c.Total.add(sign*other.Total.Count.Value(), sign*other.Total.Size.Value())
}

func (c *Counters) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i := range c.Category {
		p := &c.Category[i]
		fmt.Fprintf(&b, `"%[1]s.count":%[2]d,"%[1]s.size":%[3]d,`, Category(i), p.Count.Value(), p.Size.Value())
	}
	fmt.Fprintf(&b, `"total.count":%d,"total.size":%d}`, c.Total.Count.Value(), c.Total.Size.Value())
	return b.String()
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (p *CountSizePair) add(count, size int64) {
	p.Count.Add(count)
	p.Size.Add(size)
}
