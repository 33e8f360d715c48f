package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/helpers/atomic_clock"
	"github.com/omnibot/omnirelay/registry"
)

// robotConn is one robot TCP stream. First error closes it for good.
type robotConn struct {
	wmu  sync.Mutex
	err  helpers.AtomicError
	last atomic_clock.Clock
	dec  *LineDecoder
	net  net.Conn
	opt  ConnOptions
	stat SessionStat
	w    io.Writer

	id atomic.Value
}

var _ registry.Conn = &robotConn{}

const tcpOverhead = 40

func newRobotConn(netConn net.Conn, opt ConnOptions) *robotConn {
	opt.defaults()
	c := &robotConn{
		net: netConn,
		opt: opt,
	}
	if tcp, ok := c.net.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetNoDelay(true)
	}
	r := helpers.NewCountReader(c.net, &c.stat.Recv.Total.Size, tcpOverhead)
	c.w = helpers.NewCountWriter(c.net, &c.stat.Send.Total.Size, tcpOverhead)
	c.dec = NewLineDecoder(r, opt.ReadLimit)
	c.stat.Conn.Set(1)
	c.last.SetNow()
	return c
}

func (c *robotConn) Close() error {
	return c.die(ErrClosing)
}

func (c *robotConn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

// Receive returns next line. Deadline expiry is returned as is and keeps
// connection open, any other error closes it.
func (c *robotConn) Receive(ctx context.Context) ([]byte, error) {
	deadline, ok := ctx.Deadline()
	if !ok && c.opt.ReadTimeout > 0 {
		deadline = time.Now().Add(c.opt.ReadTimeout)
	}
	if err := c.net.SetReadDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetReadDeadline")
		_ = c.die(err)
		return nil, err
	}
	b, err := c.dec.Read()
	if err != nil {
		if isTimeout(err) && !c.Closed() {
			return nil, err
		}
		err = errors.Annotate(err, "receive")
		_ = c.die(err)
		return nil, err
	}
	c.last.SetNow()
	return b, nil
}

func (c *robotConn) Send(ctx context.Context, e *envelope.Envelope) error {
	if err, closed := c.err.Load(); closed {
		return errors.Annotate(err, "send on closed")
	}
	b, err := envelope.Line(e)
	if err != nil {
		return errors.Annotate(err, "envelope marshal")
	}
	c.opt.Log.Debugf("send robot=%s %s", c.ID(), e.String())

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opt.WriteTimeout)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err = c.net.SetWriteDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	if err = helpers.WriteAll(c.w, b); err != nil {
		err = errors.Annotate(err, "send")
		_ = c.die(err)
		return err
	}
	c.stat.Send.Register(e.Type, len(b))
	return nil
}

func (c *robotConn) RemoteAddr() net.Addr         { return c.net.RemoteAddr() }
func (c *robotConn) SinceLastRecv() time.Duration { return atomic_clock.Since(&c.last) }
func (c *robotConn) Stat() *SessionStat           { return &c.stat }

func (c *robotConn) ID() string {
	id, _ := c.id.Load().(string)
	return id
}
func (c *robotConn) SetID(id string) { c.id.Store(id) }

func (c *robotConn) String() string {
	return fmt.Sprintf("(remote=%s robot=%s)", addrString(c.RemoteAddr()), c.ID())
}

func (c *robotConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	_ = c.net.Close()

	// reformat some well known errors for easier log reading
	estr := e.Error()
	if isTimeout(e) || strings.HasSuffix(estr, "i/o timeout") {
		estr = "timeout"
	} else if strings.HasSuffix(estr, "connection reset by peer") {
		estr = "closed by remote"
	} else if strings.HasSuffix(estr, io.EOF.Error()) {
		estr = "eof"
	}
	c.opt.Log.Debugf("die +close robot=%s local=%s remote=%s e=%s", c.ID(), addrString(c.net.LocalAddr()), addrString(c.RemoteAddr()), estr)
	return e
}
