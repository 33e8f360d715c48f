// Package heartbeat pings idle connections and evicts those that keep failing.
package heartbeat

import (
	"context"
	"expvar"
	"time"

	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
)

const (
	DefaultInterval    = 15 * time.Second
	DefaultIdle        = 7500 * time.Millisecond
	DefaultMaxFailures = 10
	DefaultRetryMin    = 1 * time.Second
)

// Registry is the subset of registry.Registry used by Monitor.
type Registry interface {
	Contains(id string, conn registry.Conn) bool
	EvictConn(id string, conn registry.Conn) bool
}

type Monitor struct {
	Interval    time.Duration
	Idle        time.Duration
	MaxFailures int
	RetryMin    time.Duration

	Log   *log2.Log
	Reg   Registry
	Stats Stats
}

type Stats struct {
	Pings    expvar.Int
	Failures expvar.Int
	Evicted  expvar.Int
}

// Target is one watched connection.
// Since reports time passed since last activity, Paused suspends pings.
// PingID is robot_id of ping envelope, default ID.
// OnEvict is called after Watch evicted the connection.
type Target struct {
	ID      string
	PingID  string
	Conn    registry.Conn
	Since   func() time.Duration
	Paused  func() bool
	OnEvict func()
}

func NewMonitor(log *log2.Log, reg Registry) *Monitor {
	return &Monitor{
		Interval:    DefaultInterval,
		Idle:        DefaultIdle,
		MaxFailures: DefaultMaxFailures,
		RetryMin:    DefaultRetryMin,
		Log:         log,
		Reg:         reg,
	}
}

// Watch blocks until ctx is done, target is no longer a live registry entry
// or it was evicted after MaxFailures consecutive failed pings.
// Missing pong is not a failure, only send errors count.
func (m *Monitor) Watch(ctx context.Context, t Target) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	backoff := helpers.Backoff{Min: m.RetryMin, Max: m.Interval, K: 1.5}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !m.Reg.Contains(t.ID, t.Conn) {
			m.Log.Debugf("heartbeat id=%s stop, no longer registered", t.ID)
			return
		}
		if t.Paused != nil && t.Paused() {
			continue
		}
		if t.Since != nil && t.Since() < m.Idle {
			continue
		}
		if !m.ping(ctx, t, &backoff) {
			return
		}
	}
}

// ping retries until success, eviction or ctx done. Returns false when watch must stop.
func (m *Monitor) ping(ctx context.Context, t Target, backoff *helpers.Backoff) bool {
	for {
		m.Stats.Pings.Add(1)
		pingID := t.PingID
		if pingID == "" {
			pingID = t.ID
		}
		err := t.Conn.Send(ctx, envelope.NewPing(pingID))
		if err == nil {
			backoff.Reset()
			return true
		}
		m.Stats.Failures.Add(1)
		n := backoff.Failure()
		m.Log.Errorf("heartbeat id=%s ping failure %d/%d err=%v", t.ID, n, m.MaxFailures, err)
		if n >= m.MaxFailures {
			if m.Reg.EvictConn(t.ID, t.Conn) {
				m.Stats.Evicted.Add(1)
				m.Log.Infof("heartbeat id=%s evicted after %d failures", t.ID, n)
				if t.OnEvict != nil {
					t.OnEvict()
				}
			}
			return false
		}
		if backoff.Sleep(ctx) != nil {
			return false
		}
		if !m.Reg.Contains(t.ID, t.Conn) {
			return false
		}
	}
}
