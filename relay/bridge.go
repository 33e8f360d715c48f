package relay

import (
	"context"
	"expvar"
	"fmt"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/heartbeat"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
	"github.com/omnibot/omnirelay/store"
	"github.com/omnibot/omnirelay/trajectory"
	"github.com/omnibot/omnirelay/uplink"
)

type Recorder interface {
	Record(table string, record interface{}) bool
}

type nopRecorder struct{}

func (nopRecorder) Record(string, interface{}) bool { return true }

type BridgeOptions struct {
	Log        *log2.Log
	Registry   *registry.Registry
	Trajectory trajectory.Options
	Recorder   Recorder
	Uplink     uplink.Publisher
	Heartbeat  *heartbeat.Monitor
	// bounds every reply and forward write
	SendTimeout time.Duration
}

type BridgeStat struct {
	Forwarded       expvar.Int
	NotFound        expvar.Int
	SendFailed      expvar.Int
	Invalid         expvar.Int
	Broadcast       expvar.Int
	BroadcastFailed expvar.Int
	EncodeFailed    expvar.Int
	UplinkFailed    expvar.Int
}

// String is JSON, so BridgeStat is expvar.Var.
func (bs *BridgeStat) String() string {
	return fmt.Sprintf(`{"forwarded":%d,"not_found":%d,"send_failed":%d,"invalid":%d,"broadcast":%d,"broadcast_failed":%d,"encode_failed":%d,"uplink_failed":%d}`,
		bs.Forwarded.Value(), bs.NotFound.Value(), bs.SendFailed.Value(), bs.Invalid.Value(),
		bs.Broadcast.Value(), bs.BroadcastFailed.Value(), bs.EncodeFailed.Value(), bs.UplinkFailed.Value())
}

// Bridge is message router between robot and console sessions.
// Handle* methods of one session must be called from one goroutine,
// which gives per-connection FIFO.
type Bridge struct {
	log         *log2.Log
	reg         *registry.Registry
	est         *trajectory.Estimator
	rec         Recorder
	up          uplink.Publisher
	hb          *heartbeat.Monitor
	sendTimeout time.Duration

	Stat BridgeStat
}

func NewBridge(opt BridgeOptions) *Bridge {
	b := &Bridge{
		log:         opt.Log,
		reg:         opt.Registry,
		rec:         opt.Recorder,
		up:          opt.Uplink,
		hb:          opt.Heartbeat,
		sendTimeout: opt.SendTimeout,
	}
	if b.reg == nil {
		b.reg = registry.New(opt.Log)
	}
	if b.rec == nil {
		b.rec = nopRecorder{}
	}
	if b.up == nil {
		b.up = uplink.Nop{}
	}
	if b.hb == nil {
		b.hb = heartbeat.NewMonitor(opt.Log, b.reg)
	}
	if b.sendTimeout == 0 {
		b.sendTimeout = DefaultWriteTimeout
	}
	topt := opt.Trajectory
	if topt.Log == nil {
		topt.Log = opt.Log
	}
	topt.OnUpdate = b.OnPose
	topt.OnSnapshot = b.OnSnapshot
	b.est = trajectory.NewEstimator(topt)
	return b
}

// Run applies wheel samples in background until ctx is done.
func (b *Bridge) Run(ctx context.Context) { b.est.Run(ctx) }

func (b *Bridge) Registry() *registry.Registry     { return b.reg }
func (b *Bridge) Estimator() *trajectory.Estimator { return b.est }

func (b *Bridge) Pose(robotID string) (trajectory.Pose, bool) { return b.est.Get(robotID) }

// Reserve pauses console forwarding and heartbeat for firmware transfer.
func (b *Bridge) Reserve(robotID string) error { return b.reg.Reserve(robotID) }
func (b *Bridge) Release(robotID string) error { return b.reg.Release(robotID) }

func (b *Bridge) send(conn registry.Conn, e *envelope.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.sendTimeout)
	defer cancel()
	return conn.Send(ctx, e)
}

func (b *Bridge) reply(conn registry.Conn, e *envelope.Envelope) {
	if err := b.send(conn, e); err != nil {
		b.log.Debugf("reply type=%s remote=%s err=%v", e.Type, addrString(conn.RemoteAddr()), err)
	}
}

func (b *Bridge) replyError(conn registry.Conn, robotID, status string, err error) {
	b.reply(conn, envelope.NewError(robotID, status, "%s", err.Error()))
}

// Broadcast delivers e to every console subscribed to <robot_id>/<type>.
// Failed console is dropped, others still receive e.
// Envelope that can not be encoded is not sent to anyone.
func (b *Bridge) Broadcast(e *envelope.Envelope) int {
	subs := b.reg.Subscribers(e.RobotID, e.Type)
	if len(subs) == 0 {
		return 0
	}
	raw, err := e.Bytes()
	if err != nil {
		b.Stat.EncodeFailed.Add(1)
		b.log.Errorf("broadcast type=%s robot=%s encode err=%v", e.Type, e.RobotID, err)
		return 0
	}
	out := *e
	out.Raw = raw
	n := 0
	for _, c := range subs {
		if err := b.send(c.Conn, &out); err != nil {
			b.Stat.BroadcastFailed.Add(1)
			b.log.Errorf("broadcast type=%s console=%s err=%v, dropping console", e.Type, c.SessionID, err)
			if b.reg.RemoveConsole(c) {
				_ = c.Conn.Close()
			}
			continue
		}
		n++
	}
	b.Stat.Broadcast.Add(int64(n))
	return n
}

func (b *Bridge) mirror(e *envelope.Envelope) {
	if err := b.up.Publish(e); err != nil {
		b.Stat.UplinkFailed.Add(1)
		b.log.Debugf("uplink type=%s robot=%s err=%v", e.Type, e.RobotID, err)
	}
}

// OnPose broadcasts and mirrors trajectory_update after each applied wheel sample.
func (b *Bridge) OnPose(p trajectory.Pose) {
	e := envelope.New(p.RobotID, p.Update())
	b.Broadcast(e)
	b.mirror(e)
}

// ResetTrajectory moves robot pose to origin and tells consoles.
func (b *Bridge) ResetTrajectory(robotID string) bool {
	p, ok := b.est.Reset(robotID)
	if !ok {
		return false
	}
	b.log.Infof("trajectory robot=%s reset", robotID)
	b.OnPose(p)
	return true
}

// ForgetTrajectory drops pose and history of robot.
func (b *Bridge) ForgetTrajectory(robotID string) bool {
	if !b.est.Forget(robotID) {
		return false
	}
	b.log.Infof("trajectory robot=%s forgotten", robotID)
	return true
}

// OnSnapshot queues periodic pose and history snapshot.
func (b *Bridge) OnSnapshot(p trajectory.Pose) {
	b.rec.Record(store.TableTrajectory, store.NewTrajectoryData(p))
}

func (b *Bridge) connectionLog(robotID, event string, conn registry.Conn) {
	b.rec.Record(store.TableConnections, store.NewConnectionLog(robotID, event, addrString(conn.RemoteAddr())))
}

func (b *Bridge) watch(ctx context.Context, t heartbeat.Target) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go b.hb.Watch(ctx, t)
	return cancel
}

// RobotSession is router state of one robot connection.
type RobotSession struct {
	Conn registry.Conn
	Stat *SessionStat

	ctx    context.Context
	robot  *registry.Robot
	cancel context.CancelFunc
}

func (s *RobotSession) RobotID() string {
	if s.robot == nil {
		return ""
	}
	return s.robot.ID
}

// RobotConnected sends welcome, robot is expected to reply with registration.
func (b *Bridge) RobotConnected(ctx context.Context, conn registry.Conn, stat *SessionStat) (*RobotSession, error) {
	s := &RobotSession{Conn: conn, Stat: stat, ctx: ctx}
	if err := b.send(conn, envelope.NewWelcome()); err != nil {
		return nil, errors.Annotate(err, "welcome")
	}
	return s, nil
}

// RobotIdle is called on read timeout, connection stays open.
func (b *Bridge) RobotIdle(s *RobotSession) {
	b.log.Debugf("robot=%s remote=%s read timeout, extra ping", s.RobotID(), addrString(s.Conn.RemoteAddr()))
	id := s.RobotID()
	if id == "" {
		id = envelope.ServerID
	}
	b.reply(s.Conn, envelope.NewPing(id))
}

// HandleRobot processes one line. Returns false when connection must be closed.
func (b *Bridge) HandleRobot(s *RobotSession, line []byte) bool {
	e, err := envelope.Parse(line)
	if err != nil {
		b.Stat.Invalid.Add(1)
		if s.Stat != nil {
			s.Stat.Invalid.Add(1)
		}
		b.log.Debugf("robot=%s remote=%s invalid frame err=%v", s.RobotID(), addrString(s.Conn.RemoteAddr()), err)
		b.replyError(s.Conn, s.RobotID(), envelope.StatusInvalid, err)
		return true
	}
	if s.Stat != nil {
		s.Stat.Recv.Register(e.Type, len(line))
	}
	if e.Type == envelope.TypeRegistration {
		b.register(s, e)
		return true
	}
	if s.robot == nil {
		b.reply(s.Conn, envelope.NewError(e.RobotID, envelope.StatusUnregistered, "send registration first"))
		return true
	}
	s.robot.Touch()
	if e.RobotID != s.robot.ID {
		// robot frames are always attributed to registered id
		e.RobotID = s.robot.ID
		e.Raw = nil
	}

	// every accepted robot frame is acked, liveness frames too
	switch {
	case e.Type == envelope.TypePing:
		b.reply(s.Conn, envelope.NewPong(s.robot.ID))
		b.reply(s.Conn, envelope.NewDataAck(s.robot.ID, e.Type))
	case e.Type == envelope.TypePong:
		b.reply(s.Conn, envelope.NewDataAck(s.robot.ID, e.Type))
	case e.Type == envelope.TypeHeartbeat:
		b.reply(s.Conn, envelope.New(s.robot.ID, &envelope.Heartbeat{ServerTime: helpers.UnixFloat(time.Now())}))
		b.reply(s.Conn, envelope.NewDataAck(s.robot.ID, e.Type))
	case e.Type == envelope.TypeManualDisconnect:
		s.robot.SetManualDisconnect()
		b.reply(s.Conn, envelope.NewDisconnectConfirmed(s.robot.ID))
		return false
	case envelope.IsTelemetry(e.Type):
		b.telemetry(s, e)
	default:
		b.reply(s.Conn, envelope.NewError(s.robot.ID, envelope.StatusUnsupported, "type=%s not accepted from robot", e.Type))
	}
	return true
}

func (b *Bridge) register(s *RobotSession, e *envelope.Envelope) {
	id := e.RobotID
	if id == "" {
		b.Stat.Invalid.Add(1)
		b.reply(s.Conn, envelope.NewError("", envelope.StatusInvalid, "registration without robot_id"))
		return
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.robot != nil && s.robot.ID != id {
		b.reg.Detach(s.robot.ID, s.Conn)
	}
	robot, replaced, err := b.reg.Register(id, s.Conn)
	if err != nil {
		b.replyError(s.Conn, id, envelope.StatusInvalid, err)
		return
	}
	if setter, ok := s.Conn.(interface{ SetID(string) }); ok {
		setter.SetID(id)
	}
	if replaced != nil {
		b.connectionLog(id, store.EventReplaced, replaced)
	}
	s.robot = robot
	if reg, ok := e.Body.(*envelope.Registration); ok {
		b.log.Infof("robot=%s registered remote=%s model=%s version=%s", id, addrString(s.Conn.RemoteAddr()), reg.Model, reg.Version)
	}
	b.reply(s.Conn, envelope.NewRegistrationConfirmation(id))
	b.connectionLog(id, store.EventConnected, s.Conn)
	conn := s.Conn
	s.cancel = b.watch(s.ctx, heartbeat.Target{
		ID:      id,
		Conn:    conn,
		Since:   robot.SinceActivity,
		Paused:  robot.Reserved,
		OnEvict: func() { b.connectionLog(id, store.EventEvicted, conn) },
	})
}

func (b *Bridge) telemetry(s *RobotSession, e *envelope.Envelope) {
	id := s.robot.ID
	switch body := e.Body.(type) {
	case *envelope.EncoderSample:
		b.est.Feed(trajectory.Sample{RobotID: id, RPM: body.Wheels()})
	case *envelope.IMUSample:
		if yaw := body.Heading(); yaw != nil {
			b.est.ObserveHeading(id, *yaw)
		}
	}
	if table, record, ok := store.FromEnvelope(e); ok {
		b.rec.Record(table, record)
	}
	b.Broadcast(e)
	b.mirror(e)
	b.reply(s.Conn, envelope.NewDataAck(id, e.Type))
}

// RobotClosed is mandatory cleanup, called once after read loop ends.
func (b *Bridge) RobotClosed(s *RobotSession) {
	if s.cancel != nil {
		s.cancel()
	}
	if s.robot == nil {
		return
	}
	if b.reg.Detach(s.robot.ID, s.Conn) {
		event := store.EventDisconnected
		if s.robot.ManualDisconnect() {
			event = store.EventManual
		}
		b.log.Infof("robot=%s %s remote=%s", s.robot.ID, event, addrString(s.Conn.RemoteAddr()))
		b.connectionLog(s.robot.ID, event, s.Conn)
	}
}

// ConsoleSession is router state of one console connection.
type ConsoleSession struct {
	*registry.Console
	Stat *SessionStat

	cancel context.CancelFunc
}

func (b *Bridge) ConsoleConnected(ctx context.Context, sessionID string, conn registry.Conn, stat *SessionStat) *ConsoleSession {
	c := b.reg.AddConsole(sessionID, conn)
	s := &ConsoleSession{Console: c, Stat: stat}
	s.cancel = b.watch(ctx, heartbeat.Target{
		ID:     sessionID,
		PingID: envelope.ServerID,
		Conn:   conn,
		Since:  c.SinceActivity,
	})
	b.log.Infof("console=%s connected", sessionID)
	return s
}

// HandleConsole processes one message. Returns false when connection must be closed.
func (b *Bridge) HandleConsole(s *ConsoleSession, msg []byte) bool {
	e, err := envelope.Parse(msg)
	if err != nil {
		b.Stat.Invalid.Add(1)
		if s.Stat != nil {
			s.Stat.Invalid.Add(1)
		}
		b.log.Debugf("console=%s invalid frame err=%v", s.SessionID, err)
		b.replyError(s.Conn, envelope.ServerID, envelope.StatusInvalid, err)
		return true
	}
	if s.Stat != nil {
		s.Stat.Recv.Register(e.Type, len(msg))
	}
	s.Touch()

	switch {
	case e.Type == envelope.TypeSubscribe || e.Type == envelope.TypeUnsubscribe:
		b.subscribe(s, e)
	case e.Type == envelope.TypeManualDisconnect:
		b.reply(s.Conn, envelope.NewDisconnectConfirmed(envelope.ServerID))
		return false
	case e.Type == envelope.TypePong && (e.RobotID == "" || e.RobotID == envelope.ServerID):
	case envelope.IsGlobal(e.Type) && (e.RobotID == "" || e.RobotID == envelope.ServerID):
		b.global(s, e)
	case e.RobotID == "":
		b.Stat.Invalid.Add(1)
		b.reply(s.Conn, envelope.NewError(envelope.ServerID, envelope.StatusInvalid, "type=%s requires robot_id", e.Type))
	default:
		if _, unknown := e.Body.(*envelope.Unknown); unknown {
			b.reply(s.Conn, envelope.NewError(e.RobotID, envelope.StatusUnsupported, "unsupported type=%s", e.Type))
			return true
		}
		b.forward(s, e)
	}
	return true
}

func (b *Bridge) subscribe(s *ConsoleSession, e *envelope.Envelope) {
	body := e.Body.(*envelope.Subscribe)
	var topics []string
	var err error
	if body.Remove {
		topics, err = b.reg.Unsubscribe(s.SessionID, body.Topics...)
	} else {
		topics, err = b.reg.Subscribe(s.SessionID, body.Topics...)
	}
	if err != nil {
		b.replyError(s.Conn, envelope.ServerID, envelope.StatusInvalid, err)
		return
	}
	b.reply(s.Conn, envelope.New(envelope.ServerID, &envelope.Subscribed{Topics: topics}))
}

func (b *Bridge) global(s *ConsoleSession, e *envelope.Envelope) {
	switch e.Type {
	case envelope.TypePing:
		b.reply(s.Conn, envelope.NewPong(envelope.ServerID))
	case envelope.TypeHeartbeat:
		b.reply(s.Conn, envelope.New(envelope.ServerID, &envelope.Heartbeat{ServerTime: helpers.UnixFloat(time.Now())}))
	case envelope.TypeGetRobotConnections, envelope.TypeStatus:
		b.reply(s.Conn, envelope.New(envelope.ServerID, b.reg.StatusReport()))
	}
}

func (b *Bridge) forward(s *ConsoleSession, e *envelope.Envelope) {
	robot, err := b.reg.Lookup(e.RobotID)
	if err != nil {
		b.Stat.NotFound.Add(1)
		b.reply(s.Conn, envelope.NewError(e.RobotID, envelope.StatusNotFound, "robot %s not connected", e.RobotID))
		return
	}
	if robot.Reserved() {
		b.reply(s.Conn, envelope.NewError(e.RobotID, envelope.StatusReserved, "robot %s busy with firmware transfer", e.RobotID))
		return
	}
	if err := b.send(robot.Conn, e); err != nil {
		b.Stat.SendFailed.Add(1)
		b.log.Errorf("forward type=%s robot=%s console=%s err=%v", e.Type, e.RobotID, s.SessionID, err)
		b.reply(s.Conn, envelope.NewError(e.RobotID, envelope.StatusSendFailed, "send to robot %s failed", e.RobotID))
		if b.reg.EvictConn(robot.ID, robot.Conn) {
			b.connectionLog(robot.ID, store.EventEvicted, robot.Conn)
		}
		return
	}
	b.Stat.Forwarded.Add(1)
	b.reply(s.Conn, envelope.NewCommandSent(e.RobotID))
	if table, record, ok := store.FromEnvelope(e); ok {
		b.rec.Record(table, record)
	}
}

// ConsoleClosed is mandatory cleanup, called once after read loop ends.
func (b *Bridge) ConsoleClosed(s *ConsoleSession) {
	if s.cancel != nil {
		s.cancel()
	}
	if b.reg.RemoveConsole(s.Console) {
		b.log.Infof("console=%s disconnected", s.SessionID)
	}
}
