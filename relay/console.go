package relay

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultConsoleListen  = ":9003"
	DefaultMaxMessageSize = 64 << 10
)

type ConsoleOptions struct {
	Listen string
	// empty disables token check on /ws
	AuthSecret string
	// empty or "*" allows any origin
	AllowedOrigins []string
	MaxMessageSize int
	WriteTimeout   time.Duration
	// optional, enables /api/robots/:robot_id/history/:table
	Querier Querier
}

func (o *ConsoleOptions) defaults() {
	if o.Listen == "" {
		o.Listen = DefaultConsoleListen
	}
	if o.MaxMessageSize == 0 {
		o.MaxMessageSize = DefaultMaxMessageSize
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// ConsoleServer serves console websockets at /ws and small JSON API.
type ConsoleServer struct {
	alive    *alive.Alive
	bridge   *Bridge
	log      *log2.Log
	opt      ConsoleOptions
	auth     *TokenAuth
	upgrader websocket.Upgrader
	router   *gin.Engine
	srv      *http.Server
	ll       net.Listener
	conns    struct {
		sync.Mutex
		m map[*wsConn]struct{}
	}
	stat SessionStat
}

func NewConsoleServer(log *log2.Log, bridge *Bridge, opt ConsoleOptions) (*ConsoleServer, error) {
	opt.defaults()
	auth, err := NewTokenAuth(opt.AuthSecret)
	if err != nil {
		return nil, errors.Annotate(err, "console auth")
	}
	s := &ConsoleServer{
		alive:    alive.NewAlive(),
		bridge:   bridge,
		log:      log,
		opt:      opt,
		auth:     auth,
		upgrader: makeUpgrader(opt.AllowedOrigins),
	}
	s.conns.m = make(map[*wsConn]struct{})

	gin.SetMode(gin.ReleaseMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.registerRoutes(s.router)
	s.srv = &http.Server{Handler: s.router}
	return s, nil
}

// Handler is exposed for httptest.
func (s *ConsoleServer) Handler() http.Handler { return s.router }

func (s *ConsoleServer) Stat() *SessionStat { return &s.stat }

func (s *ConsoleServer) Addr() string {
	if s.ll == nil {
		return ""
	}
	return s.ll.Addr().String()
}

// Listen binds opt.Listen and serves in background until ctx is done or Close.
func (s *ConsoleServer) Listen(ctx context.Context) error {
	if !s.alive.Add(1) {
		return errors.Errorf("Listen after Close")
	}
	ll, err := net.Listen("tcp", s.opt.Listen)
	if err != nil {
		s.alive.Done()
		return errors.Annotatef(err, "console listen=%s", s.opt.Listen)
	}
	s.ll = ll
	s.log.Debugf("console listen=%s", ll.Addr())
	go func() {
		defer s.alive.Done()
		if err := s.srv.Serve(ll); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("console serve err=%v", err)
			s.alive.Stop()
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.alive.StopChan():
		}
	}()
	return nil
}

// Close stops HTTP server, closes every console and waits for cleanup.
func (s *ConsoleServer) Close() error {
	s.alive.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), s.opt.WriteTimeout)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	helpers.WithLock(&s.conns, func() {
		for c := range s.conns.m {
			_ = c.Close()
		}
	})
	s.alive.Wait()
	return errors.Annotate(err, "console shutdown")
}

func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// non-browser client
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

func (s *ConsoleServer) handleWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := s.auth.Verify(RequestToken(c.Request)); err != nil {
			s.log.Debugf("console remote=%s auth err=%v", c.Request.RemoteAddr, err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !s.alive.Add(1) {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		defer s.alive.Done()

		ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// upgrader already replied with error status
			s.log.Debugf("console remote=%s upgrade err=%v", c.Request.RemoteAddr, err)
			return
		}
		ws.SetReadLimit(int64(s.opt.MaxMessageSize))
		s.processConn(newWSConn(ws, s.log, s.opt.WriteTimeout, nil))
	}
}

func (s *ConsoleServer) processConn(conn *wsConn) {
	helpers.WithLock(&s.conns, func() {
		s.conns.m[conn] = struct{}{}
		if !s.alive.IsRunning() {
			_ = conn.Close()
		}
	})
	ctx, cancel := helpers.AliveContext(context.Background(), s.alive)
	defer cancel()

	session := s.bridge.ConsoleConnected(ctx, addrString(conn.RemoteAddr()), conn, &conn.stat)
	for {
		msg, err := conn.Receive()
		if err != nil {
			if !websocket.IsCloseError(errors.Cause(err), websocket.CloseNormalClosure, websocket.CloseGoingAway) && s.alive.IsRunning() {
				s.log.Debugf("console=%s receive err=%v", session.SessionID, err)
			}
			break
		}
		if !s.bridge.HandleConsole(session, msg) {
			break
		}
	}

	// mandatory cleanup on connection closed
	_ = conn.Close()
	s.bridge.ConsoleClosed(session)
	helpers.WithLock(&s.conns, func() { delete(s.conns.m, conn) })
	s.stat.AddMoveFrom(&conn.stat)
}
