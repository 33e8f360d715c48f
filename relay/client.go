package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
)

// RobotClient speaks robot side of line protocol. Used by simulator and tests.
type RobotClient struct {
	wmu     sync.Mutex
	conn    net.Conn
	dec     *LineDecoder
	timeout time.Duration
	RobotID string
}

func DialRobot(ctx context.Context, addr string, timeout time.Duration) (*RobotClient, error) {
	if timeout == 0 {
		timeout = DefaultWriteTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial robot server=%s", addr)
	}
	return &RobotClient{conn: conn, dec: NewLineDecoder(conn, DefaultReadLimit), timeout: timeout}, nil
}

func (c *RobotClient) Close() error { return c.conn.Close() }

func (c *RobotClient) Send(e *envelope.Envelope) error {
	b, err := envelope.Line(e)
	if err != nil {
		return errors.Annotate(err, "envelope marshal")
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err = c.conn.Write(b)
	return errors.Annotate(err, "send")
}

// SendRaw writes b followed by newline, for malformed input tests.
func (c *RobotClient) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	_, err := c.conn.Write(append(append([]byte{}, b...), '\n'))
	return errors.Annotate(err, "send")
}

// Receive waits up to timeout for next envelope. Not safe for concurrent use.
func (c *RobotClient) Receive(timeout time.Duration) (*envelope.Envelope, error) {
	if timeout == 0 {
		timeout = c.timeout
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.dec.Read()
	if err != nil {
		return nil, errors.Annotate(err, "receive")
	}
	return envelope.Parse(line)
}

// Expect skips envelopes until type t, answering ping on the way.
func (c *RobotClient) Expect(t envelope.Type, timeout time.Duration) (*envelope.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, errors.Timeoutf("expect type=%s", t)
		}
		e, err := c.Receive(left)
		if err != nil {
			return nil, err
		}
		if e.Type == t {
			return e, nil
		}
		if e.Type == envelope.TypePing {
			_ = c.Send(envelope.NewPong(c.RobotID))
		}
	}
}

// Register waits welcome, sends registration and waits confirmation.
func (c *RobotClient) Register(robotID string, reg *envelope.Registration) error {
	if _, err := c.Expect(envelope.TypeWelcome, c.timeout); err != nil {
		return errors.Annotate(err, "welcome")
	}
	if reg == nil {
		reg = &envelope.Registration{}
	}
	c.RobotID = robotID
	if err := c.Send(envelope.New(robotID, reg)); err != nil {
		return err
	}
	_, err := c.Expect(envelope.TypeRegistrationConfirmation, c.timeout)
	return errors.Annotate(err, "registration")
}

// ConsoleClient is operator side websocket. Used by console shell and tests.
type ConsoleClient struct {
	wmu     sync.Mutex
	ws      *websocket.Conn
	timeout time.Duration
}

// DialConsole connects to ws:// url, token is optional bearer.
func DialConsole(ctx context.Context, url, token string, timeout time.Duration) (*ConsoleClient, error) {
	if timeout == 0 {
		timeout = DefaultWriteTimeout
	}
	d := websocket.Dialer{HandshakeTimeout: timeout}
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := d.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil {
			return nil, errors.Annotatef(err, "dial console url=%s status=%d", url, resp.StatusCode)
		}
		return nil, errors.Annotatef(err, "dial console url=%s", url)
	}
	return &ConsoleClient{ws: ws, timeout: timeout}, nil
}

func (c *ConsoleClient) Close() error { return c.ws.Close() }

func (c *ConsoleClient) Send(e *envelope.Envelope) error {
	b, err := e.Bytes()
	if err != nil {
		return errors.Annotate(err, "envelope marshal")
	}
	return c.SendRaw(b)
}

func (c *ConsoleClient) SendRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.timeout))
	return errors.Annotate(c.ws.WriteMessage(websocket.TextMessage, b), "send")
}

func (c *ConsoleClient) Receive(timeout time.Duration) (*envelope.Envelope, error) {
	if timeout == 0 {
		timeout = c.timeout
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := c.ws.ReadMessage()
	if err != nil {
		return nil, errors.Annotate(err, "receive")
	}
	return envelope.Parse(msg)
}

// Expect skips envelopes until type t, answering server ping on the way.
func (c *ConsoleClient) Expect(t envelope.Type, timeout time.Duration) (*envelope.Envelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return nil, errors.Timeoutf("expect type=%s", t)
		}
		e, err := c.Receive(left)
		if err != nil {
			return nil, err
		}
		if e.Type == t {
			return e, nil
		}
		if e.Type == envelope.TypePing {
			_ = c.Send(envelope.NewPong(envelope.ServerID))
		}
	}
}
