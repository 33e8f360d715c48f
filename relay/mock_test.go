package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/heartbeat"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
	"github.com/stretchr/testify/require"
)

type mockConn struct {
	addr   string
	fail   int32
	closed int32
	mu     sync.Mutex
	sent   []*envelope.Envelope
	raw    [][]byte
}

func newMockConn(addr string) *mockConn { return &mockConn{addr: addr} }

func (m *mockConn) Send(ctx context.Context, e *envelope.Envelope) error {
	if m.Closed() {
		return fmt.Errorf("closed")
	}
	if atomic.LoadInt32(&m.fail) != 0 {
		return fmt.Errorf("broken pipe")
	}
	b, err := e.Bytes()
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sent = append(m.sent, e)
	m.raw = append(m.raw, b)
	m.mu.Unlock()
	return nil
}
func (m *mockConn) Close() error         { atomic.StoreInt32(&m.closed, 1); return nil }
func (m *mockConn) Closed() bool         { return atomic.LoadInt32(&m.closed) != 0 }
func (m *mockConn) RemoteAddr() net.Addr { return mockAddr(m.addr) }
func (m *mockConn) Fail()                { atomic.StoreInt32(&m.fail, 1) }

// Last returns most recent sent envelope of type t.
func (m *mockConn) Last(t envelope.Type) (*envelope.Envelope, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.sent) - 1; i >= 0; i-- {
		if m.sent[i].Type == t {
			return m.sent[i], m.raw[i]
		}
	}
	return nil, nil
}

func (m *mockConn) Count(t envelope.Type) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.sent {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (m *mockConn) Reset() {
	m.mu.Lock()
	m.sent, m.raw = nil, nil
	m.mu.Unlock()
}

type mockAddr string

func (a mockAddr) Network() string { return "mock" }
func (a mockAddr) String() string  { return string(a) }

type record struct {
	table string
	value interface{}
}

type mockRecorder struct {
	mu   sync.Mutex
	list []record
}

func (r *mockRecorder) Record(table string, value interface{}) bool {
	r.mu.Lock()
	r.list = append(r.list, record{table, value})
	r.mu.Unlock()
	return true
}

func (r *mockRecorder) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.list))
	for i, x := range r.list {
		out[i] = x.table
	}
	return out
}

func (r *mockRecorder) Find(table string) []interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []interface{}{}
	for _, x := range r.list {
		if x.table == table {
			out = append(out, x.value)
		}
	}
	return out
}

type testEnv struct {
	t      testing.TB
	ctx    context.Context
	bridge *Bridge
	rec    *mockRecorder
}

func newTestEnv(t testing.TB) *testEnv {
	log := log2.NewTest(t, log2.LDebug)
	reg := registry.New(log)
	hb := heartbeat.NewMonitor(log, reg)
	hb.Interval = time.Hour
	rec := &mockRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	b := NewBridge(BridgeOptions{
		Log:         log,
		Registry:    reg,
		Recorder:    rec,
		Heartbeat:   hb,
		SendTimeout: time.Second,
	})
	return &testEnv{t: t, ctx: ctx, bridge: b, rec: rec}
}

func (te *testEnv) robot(id string) (*RobotSession, *mockConn) {
	conn := newMockConn("10.0.0.1:" + id)
	s, err := te.bridge.RobotConnected(te.ctx, conn, &SessionStat{})
	require.NoError(te.t, err)
	require.True(te.t, te.bridge.HandleRobot(s, []byte(`{"type":"registration","robot_id":"`+id+`","model":"omni3"}`)))
	e, _ := conn.Last(envelope.TypeRegistrationConfirmation)
	require.NotNil(te.t, e)
	conn.Reset()
	return s, conn
}

func (te *testEnv) console(sessionID string) (*ConsoleSession, *mockConn) {
	conn := newMockConn(sessionID)
	return te.bridge.ConsoleConnected(te.ctx, sessionID, conn, &SessionStat{}), conn
}
