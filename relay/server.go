package relay

import (
	"context"
	"crypto/tls"
	"net"
	"sync"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
	"github.com/temoto/alive/v2"
)

// RobotServer accepts robot streams and feeds lines to Bridge.
type RobotServer struct {
	alive *alive.Alive
	conns struct {
		sync.Mutex
		m map[*robotConn]struct{}
	}
	listens struct {
		sync.RWMutex
		m map[string]net.Listener
	}
	bridge *Bridge
	log    *log2.Log
	stat   SessionStat
}

type ListenOptions struct {
	StreamURL string // tcp://host:port, tls://host:port, unix://path
	TLS       *tls.Config
	ConnOptions
}

func NewRobotServer(log *log2.Log, bridge *Bridge) *RobotServer {
	s := &RobotServer{
		alive:  alive.NewAlive(),
		bridge: bridge,
		log:    log,
	}
	s.conns.m = make(map[*robotConn]struct{})
	s.listens.m = make(map[string]net.Listener)
	return s
}

func (s *RobotServer) Addrs() []string {
	s.listens.RLock()
	defer s.listens.RUnlock()
	addrs := make([]string, 0, len(s.listens.m))
	for _, l := range s.listens.m {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *RobotServer) Listen(ctx context.Context, opts []ListenOptions) error {
	s.listens.Lock()
	defer s.listens.Unlock()

	if !s.alive.Add(len(opts)) {
		return errors.Errorf("Listen after Close")
	}
	errs := make([]error, 0)
	for _, opt := range opts {
		opt.ConnOptions.defaults()
		if opt.Log == nil {
			opt.Log = s.log
		}
		s.log.Debugf("listen url=%s read_timeout=%v", opt.StreamURL, opt.ReadTimeout)
		if err := s.listenStream(ctx, opt); err != nil {
			s.alive.Done()
			err = errors.Annotatef(err, "listenStream %s", opt.StreamURL)
			errs = append(errs, err)
			continue
		}
	}
	return helpers.FoldErrors(errs)
}

func (s *RobotServer) Stat() *SessionStat { return &s.stat }

func (s *RobotServer) listenStream(ctx context.Context, opt ListenOptions) error {
	scheme, hostport, err := parseURI(opt.StreamURL)
	if err != nil {
		return errors.Annotate(err, "parse url")
	}

	var ll net.Listener
	switch scheme {
	case "tls":
		if ll, err = tls.Listen("tcp", hostport, opt.TLS); err != nil {
			return errors.Annotate(err, "tls.Listen")
		}

	case "tcp", "unix":
		ll, err = net.Listen(scheme, hostport)
		if err != nil {
			return errors.Annotatef(err, "net.Listen network=%s address=%s", scheme, hostport)
		}
	}
	if ll == nil {
		return errors.NotSupportedf("listen url=%s", opt.StreamURL)
	}

	s.listens.m[opt.StreamURL] = ll
	go s.acceptLoop(ctx, ll, opt)
	return nil
}

func (s *RobotServer) acceptLoop(ctx context.Context, ll net.Listener, opt ListenOptions) {
	defer s.alive.Done() // one alive subtask for each listener
	for {
		conn, err := ll.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			err = errors.Annotatef(err, "accept listen=%s", addrString(ll.Addr()))
			s.log.Error(err)
			s.alive.Stop()
			return
		}

		if !s.alive.Add(1) { // and one alive subtask for each connection
			_ = conn.Close()
			return
		}
		go s.processConn(ctx, newRobotConn(conn, opt.ConnOptions))
	}
}

func (s *RobotServer) processConn(ctx context.Context, conn *robotConn) {
	defer s.alive.Done()
	helpers.WithLock(&s.conns, func() {
		s.conns.m[conn] = struct{}{}
		if !s.alive.IsRunning() {
			_ = conn.die(ErrClosing)
		}
	})
	ctx, cancel := helpers.AliveContext(ctx, s.alive)
	defer cancel()

	session, err := s.bridge.RobotConnected(ctx, conn, &conn.stat)
	if err != nil {
		s.log.Infof("robot accept remote=%s err=%v", addrString(conn.RemoteAddr()), err)
		_ = conn.die(err)
	} else {
		s.receiveLoop(ctx, conn, session)
	}

	// mandatory cleanup on connection closed
	_ = conn.die(ErrClosing)
	if session != nil {
		s.bridge.RobotClosed(session)
	}
	helpers.WithLock(&s.conns, func() { delete(s.conns.m, conn) })
	s.stat.AddMoveFrom(&conn.stat)
}

func (s *RobotServer) receiveLoop(ctx context.Context, conn *robotConn, session *RobotSession) {
	for {
		line, err := conn.Receive(context.Background())
		if !s.alive.IsRunning() || ctx.Err() != nil {
			_ = conn.die(ErrClosing)
			return
		}
		if err != nil {
			if isTimeout(err) && !conn.Closed() {
				s.log.Debugf("robot %s silent for %s", conn, conn.SinceLastRecv())
				s.bridge.RobotIdle(session)
				continue
			}
			return
		}
		if !s.bridge.HandleRobot(session, line) {
			return
		}
	}
}

// Close stops accepting, closes all robot connections and waits for cleanup.
func (s *RobotServer) Close() error {
	s.alive.Stop()
	helpers.WithLock(&s.listens, func() {
		for _, ll := range s.listens.m {
			_ = ll.Close()
		}
	})
	helpers.WithLock(&s.conns, func() {
		for c := range s.conns.m {
			_ = c.die(ErrClosing)
		}
	})
	s.alive.Wait()
	return nil
}
