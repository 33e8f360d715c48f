package relay

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
)

// wsConn is one console websocket. Writes are serialized, first error closes it.
type wsConn struct {
	wmu          sync.Mutex
	err          helpers.AtomicError
	ws           *websocket.Conn
	log          *log2.Log
	stat         SessionStat
	writeTimeout time.Duration
	remote       net.Addr
}

var _ registry.Conn = &wsConn{}

func newWSConn(ws *websocket.Conn, log *log2.Log, writeTimeout time.Duration, remote net.Addr) *wsConn {
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	if remote == nil {
		remote = ws.RemoteAddr()
	}
	c := &wsConn{ws: ws, log: log, writeTimeout: writeTimeout, remote: remote}
	c.stat.Conn.Set(1)
	return c
}

// Receive blocks without deadline until next text message or close.
func (c *wsConn) Receive() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		err = errors.Annotate(err, "receive")
		_ = c.die(err)
		return nil, err
	}
	c.stat.Recv.Total.Size.Add(int64(len(msg)))
	return msg, nil
}

func (c *wsConn) Send(ctx context.Context, e *envelope.Envelope) error {
	if err, closed := c.err.Load(); closed {
		return errors.Annotate(err, "send on closed")
	}
	b, err := e.Bytes()
	if err != nil {
		return errors.Annotate(err, "envelope marshal")
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.writeTimeout)
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err = c.ws.SetWriteDeadline(deadline); err != nil {
		err = errors.Annotate(err, "SetWriteDeadline")
		_ = c.die(err)
		return err
	}
	if err = c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		err = errors.Annotate(err, "send")
		_ = c.die(err)
		return err
	}
	c.stat.Send.Register(e.Type, len(b))
	c.stat.Send.Total.Size.Add(int64(len(b)))
	return nil
}

func (c *wsConn) Close() error { return c.die(ErrClosing) }

func (c *wsConn) Closed() bool {
	_, ok := c.err.Load()
	return ok
}

func (c *wsConn) RemoteAddr() net.Addr { return c.remote }
func (c *wsConn) String() string       { return fmt.Sprintf("(console=%s)", addrString(c.remote)) }

func (c *wsConn) die(e error) error {
	if err, found := c.err.StoreOnce(e); found {
		return err
	}
	if e == ErrClosing {
		c.wmu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
	}
	_ = c.ws.Close()
	c.log.Debugf("die +close console=%s e=%v", addrString(c.remote), e)
	return e
}
