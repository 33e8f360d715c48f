package heartbeat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	fail   int32
	closed int32
	mu     sync.Mutex
	pings  int
}

func (m *mockConn) Send(ctx context.Context, e *envelope.Envelope) error {
	if atomic.LoadInt32(&m.fail) != 0 {
		return fmt.Errorf("broken pipe")
	}
	if e.Type == envelope.TypePing {
		m.mu.Lock()
		m.pings++
		m.mu.Unlock()
	}
	return nil
}
func (m *mockConn) Close() error         { atomic.StoreInt32(&m.closed, 1); return nil }
func (m *mockConn) Closed() bool         { return atomic.LoadInt32(&m.closed) != 0 }
func (m *mockConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000} }
func (m *mockConn) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

func testMonitor(t testing.TB, reg Registry) *Monitor {
	m := NewMonitor(log2.NewTest(t, log2.LDebug), reg)
	m.Interval = 5 * time.Millisecond
	m.Idle = 0
	m.RetryMin = time.Millisecond
	m.MaxFailures = 3
	return m
}

func watchAsync(ctx context.Context, m *Monitor, target Target) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, target)
		close(done)
	}()
	return done
}

func TestPingIdle(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{}
	robot, _, _ := reg.Register("robot1", conn)
	m := testMonitor(t, reg)

	ctx, cancel := context.WithCancel(context.Background())
	done := watchAsync(ctx, m, Target{ID: "robot1", Conn: conn, Since: robot.SinceActivity})
	require.Eventually(t, func() bool { return conn.Pings() >= 2 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.False(t, conn.Closed())
}

func TestSkipActive(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{}
	_, _, _ = reg.Register("robot1", conn)
	m := testMonitor(t, reg)
	m.Idle = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Watch(ctx, Target{ID: "robot1", Conn: conn, Since: func() time.Duration { return time.Second }})
	assert.Equal(t, 0, conn.Pings())
}

func TestSkipPaused(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{}
	robot, _, _ := reg.Register("robot1", conn)
	require.NoError(t, reg.Reserve("robot1"))
	m := testMonitor(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Watch(ctx, Target{ID: "robot1", Conn: conn, Since: robot.SinceActivity, Paused: robot.Reserved})
	assert.Equal(t, 0, conn.Pings())
}

func TestEvictAfterMaxFailures(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{fail: 1}
	robot, _, _ := reg.Register("robot1", conn)
	m := testMonitor(t, reg)

	done := watchAsync(context.Background(), m, Target{ID: "robot1", Conn: conn, Since: robot.SinceActivity})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.True(t, conn.Closed())
	assert.False(t, reg.Contains("robot1", conn))
	assert.Equal(t, int64(3), m.Stats.Failures.Value())
	assert.Equal(t, int64(1), m.Stats.Evicted.Value())
}

func TestRecoverResetsFailures(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{fail: 1}
	robot, _, _ := reg.Register("robot1", conn)
	m := testMonitor(t, reg)
	m.MaxFailures = 1000
	m.RetryMin = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := watchAsync(ctx, m, Target{ID: "robot1", Conn: conn, Since: robot.SinceActivity})
	require.Eventually(t, func() bool { return m.Stats.Failures.Value() >= 2 }, time.Second, time.Millisecond)
	atomic.StoreInt32(&conn.fail, 0)
	require.Eventually(t, func() bool { return conn.Pings() >= 1 }, time.Second, time.Millisecond)
	cancel()
	<-done
	assert.False(t, conn.Closed())
	assert.True(t, reg.Contains("robot1", conn))
}

func TestStopWhenReplaced(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	old, fresh := &mockConn{}, &mockConn{}
	robot, _, _ := reg.Register("robot1", old)
	m := testMonitor(t, reg)
	done := watchAsync(context.Background(), m, Target{ID: "robot1", Conn: old, Since: robot.SinceActivity})
	_, _, _ = reg.Register("robot1", fresh)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
	assert.False(t, fresh.Closed())
}

func TestOnEvictCalledOnce(t *testing.T) {
	t.Parallel()
	reg := registry.New(nil)
	conn := &mockConn{fail: 1}
	robot, _, _ := reg.Register("robot1", conn)
	m := testMonitor(t, reg)
	var evicted int32
	m.Watch(context.Background(), Target{
		ID:      "robot1",
		Conn:    conn,
		Since:   robot.SinceActivity,
		OnEvict: func() { atomic.AddInt32(&evicted, 1) },
	})
	assert.Equal(t, int32(1), atomic.LoadInt32(&evicted))
}
