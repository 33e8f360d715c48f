package relay

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireError(t testing.TB, conn *mockConn, status string) *envelope.Envelope {
	t.Helper()
	e, _ := conn.Last(envelope.TypeError)
	require.NotNil(t, e, "expected error status=%s", status)
	assert.Equal(t, status, e.ErrorBody().Status)
	return e
}

func TestRobotRegistration(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	conn := newMockConn("10.0.0.1:5000")
	s, err := env.bridge.RobotConnected(env.ctx, conn, &SessionStat{})
	require.NoError(t, err)
	welcome, _ := conn.Last(envelope.TypeWelcome)
	require.NotNil(t, welcome, "welcome must be sent before any read")

	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"registration","robot_id":"robot1","model":"omni3","version":"1.2"}`)))
	confirm, _ := conn.Last(envelope.TypeRegistrationConfirmation)
	require.NotNil(t, confirm)
	assert.Equal(t, "robot1", confirm.RobotID)
	assert.Equal(t, envelope.StatusSuccess, confirm.Body.(*envelope.RegistrationConfirmation).Status)
	assert.Equal(t, "robot1", s.RobotID())

	robot, err := env.bridge.Registry().Lookup("robot1")
	require.NoError(t, err)
	assert.Equal(t, conn, robot.Conn)
	logs := env.rec.Find(store.TableConnections)
	require.Len(t, logs, 1)
	assert.Equal(t, store.EventConnected, logs[0].(*store.ConnectionLog).Event)

	env.bridge.RobotClosed(s)
	_, err = env.bridge.Registry().Lookup("robot1")
	assert.True(t, errors.IsNotFound(err))
	logs = env.rec.Find(store.TableConnections)
	require.Len(t, logs, 2)
	assert.Equal(t, store.EventDisconnected, logs[1].(*store.ConnectionLog).Event)
}

func TestRobotFrameErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		register bool
		line     string
		status   string
	}{
		{"malformed", false, `{"type":"encoder_data","rpm":[1,2`, envelope.StatusInvalid},
		{"no-type", true, `{"robot_id":"robot1"}`, envelope.StatusInvalid},
		{"bad-payload", true, `{"type":"encoder_data","rpm":[1,2]}`, envelope.StatusInvalid},
		{"unregistered", false, `{"type":"encoder_data","robot_id":"robot1","rpm":[1,2,3]}`, envelope.StatusUnregistered},
		{"registration-no-id", false, `{"type":"registration"}`, envelope.StatusInvalid},
		{"unknown-type", true, `{"type":"teleport","robot_id":"robot1"}`, envelope.StatusUnsupported},
		{"command-from-robot", true, `{"type":"emergency_stop","robot_id":"robot1"}`, envelope.StatusUnsupported},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			var s *RobotSession
			var conn *mockConn
			if c.register {
				s, conn = env.robot("robot1")
			} else {
				conn = newMockConn("10.0.0.1:5000")
				var err error
				s, err = env.bridge.RobotConnected(env.ctx, conn, &SessionStat{})
				require.NoError(t, err)
			}
			assert.True(t, env.bridge.HandleRobot(s, []byte(c.line)), "connection must survive")
			requireError(t, conn, c.status)
			assert.False(t, conn.Closed())
		})
	}
}

func TestRobotTelemetry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, robotConn := env.robot("robot1")
	_, all := env.console("console-all")
	narrow, narrowConn := env.console("console-imu")
	_, err := env.bridge.Registry().Unsubscribe(narrow.SessionID, "#")
	require.NoError(t, err)
	_, err = env.bridge.Registry().Subscribe(narrow.SessionID, "+/imu_data")
	require.NoError(t, err)

	line := []byte(`{"type":"encoder_data","robot_id":"robot1","timestamp":1700000000.5,"rpm":[10,20,30]}`)
	assert.True(t, env.bridge.HandleRobot(s, line))

	ack, _ := robotConn.Last(envelope.TypeDataAck)
	require.NotNil(t, ack)
	assert.Equal(t, envelope.TypeEncoderData, ack.Body.(*envelope.DataAck).MessageType)

	_, raw := all.Last(envelope.TypeEncoderData)
	assert.Equal(t, line, raw, "broadcast is verbatim")
	assert.Equal(t, 0, narrowConn.Count(envelope.TypeEncoderData))

	records := env.rec.Find(store.TableEncoder)
	require.Len(t, records, 1)
	enc := records[0].(*store.EncoderData)
	assert.Equal(t, "robot1", enc.RobotID)
	assert.Equal(t, 30.0, enc.RPM3)

	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"imu_data","robot_id":"robot1","orientation":{"roll":0,"pitch":0,"yaw":1.5}}`)))
	assert.Equal(t, 1, narrowConn.Count(envelope.TypeIMUData))
	assert.Len(t, env.rec.Find(store.TableIMU), 1)
}

func TestRobotTelemetryAttributedToRegisteredID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _ := env.robot("robot1")
	_, console := env.console("c")
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"log","robot_id":"impostor","message":"hi"}`)))
	e, raw := console.Last(envelope.TypeLog)
	require.NotNil(t, e)
	assert.Equal(t, "robot1", e.RobotID)
	parsed, err := envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "robot1", parsed.RobotID)
}

func TestTrajectoryBroadcast(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(env.ctx)
	done := make(chan struct{})
	go func() {
		env.bridge.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	s, _ := env.robot("robot1")
	_, console := env.console("c")
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"encoder_data","robot_id":"robot1","rpm":[60,60,60]}`)))
	require.Eventually(t, func() bool { return console.Count(envelope.TypeTrajectoryUpdate) == 1 }, time.Second, time.Millisecond)
	e, _ := console.Last(envelope.TypeTrajectoryUpdate)
	assert.Equal(t, "robot1", e.RobotID)
	u := e.Body.(*envelope.TrajectoryUpdate)
	assert.Equal(t, []float64{0}, u.Points.X)
	_, ok := env.bridge.Pose("robot1")
	assert.True(t, ok)
}

func TestRobotPingHeartbeat(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.robot("robot1")
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"ping","robot_id":"robot1"}`)))
	assert.Equal(t, 1, conn.Count(envelope.TypePong))
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"pong","robot_id":"robot1"}`)))
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"heartbeat","robot_id":"robot1"}`)))
	hb, _ := conn.Last(envelope.TypeHeartbeat)
	require.NotNil(t, hb)
	assert.True(t, hb.Body.(*envelope.Heartbeat).ServerTime > 0)
	assert.Equal(t, 3, conn.Count(envelope.TypeDataAck), "liveness frames are acked")
	ack, _ := conn.Last(envelope.TypeDataAck)
	assert.Equal(t, envelope.TypeHeartbeat, ack.Body.(*envelope.DataAck).MessageType)

	env.bridge.RobotIdle(s)
	assert.Equal(t, 1, conn.Count(envelope.TypePing))
	assert.False(t, conn.Closed())
}

func TestRobotManualDisconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.robot("robot1")
	assert.False(t, env.bridge.HandleRobot(s, []byte(`{"type":"manual_disconnect","robot_id":"robot1"}`)))
	assert.Equal(t, 1, conn.Count(envelope.TypeDisconnectConfirmed))
	env.bridge.RobotClosed(s)
	logs := env.rec.Find(store.TableConnections)
	assert.Equal(t, store.EventManual, logs[len(logs)-1].(*store.ConnectionLog).Event)
}

// Registration replace: second robot with same id replaces first,
// cleanup of the first must not remove the second.
func TestRegistrationReplace(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s1, c1 := env.robot("robot1")
	s2, c2 := env.robot("robot1")
	assert.True(t, c1.Closed())
	assert.False(t, c2.Closed())

	env.bridge.RobotClosed(s1)
	robot, err := env.bridge.Registry().Lookup("robot1")
	require.NoError(t, err)
	assert.Equal(t, c2, robot.Conn)
	assert.Contains(t, env.rec.Tables(), store.TableConnections)

	events := []string{}
	for _, x := range env.rec.Find(store.TableConnections) {
		events = append(events, x.(*store.ConnectionLog).Event)
	}
	assert.Equal(t, []string{store.EventConnected, store.EventReplaced, store.EventConnected}, events)
	env.bridge.RobotClosed(s2)
	assert.Empty(t, env.bridge.Registry().Robots())
}

func TestRobotReRegisterDifferentID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.robot("robot1")
	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"registration","robot_id":"robot2"}`)))
	assert.False(t, conn.Closed())
	_, err := env.bridge.Registry().Lookup("robot1")
	assert.True(t, errors.IsNotFound(err))
	_, err = env.bridge.Registry().Lookup("robot2")
	assert.NoError(t, err)
	assert.Equal(t, "robot2", s.RobotID())
}

// Unknown target: command for robot that never connected yields not_found
// with its robot_id, nothing is forwarded.
func TestConsoleUnknownTarget(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, robotConn := env.robot("robot1")
	s, conn := env.console("c")
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"motor_control","robot_id":"ghost","speeds":[1,2,3]}`)))
	e := requireError(t, conn, envelope.StatusNotFound)
	assert.Equal(t, "ghost", e.RobotID)
	assert.Equal(t, int64(1), env.bridge.Stat.NotFound.Value())
	assert.Equal(t, 0, robotConn.Count(envelope.TypeMotorControl))
	assert.Empty(t, env.rec.Find(store.TableMotor))
}

func TestConsoleForward(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		line  string
		t     envelope.Type
		table string
	}{
		{"motor-speeds", `{"type":"motor_control","robot_id":"robot1","speeds":[10,-10,0]}`, envelope.TypeMotorControl, store.TableMotor},
		{"motor-velocities", `{"type":"motor_control","robot_id":"robot1","velocities":{"x":0.1,"y":0,"theta":0.5}}`, envelope.TypeMotorControl, store.TableMotor},
		{"emergency", `{"type":"emergency_stop","robot_id":"robot1","reason":"button"}`, envelope.TypeEmergencyStop, store.TableEmergency},
		{"pid", `{"type":"pid_config","robot_id":"robot1","motor_id":2,"kp":1.5,"ki":0.1,"kd":0.01}`, envelope.TypePIDConfig, store.TablePID},
		{"custom", `{"type":"status","robot_id":"robot1"}`, envelope.TypeStatus, ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			_, robotConn := env.robot("robot1")
			s, conn := env.console("c")
			assert.True(t, env.bridge.HandleConsole(s, []byte(c.line)))

			_, raw := robotConn.Last(c.t)
			assert.Equal(t, []byte(c.line), raw, "forward is verbatim")
			sent, _ := conn.Last(envelope.TypeCommandSent)
			require.NotNil(t, sent)
			assert.Equal(t, "robot1", sent.RobotID)
			assert.Equal(t, envelope.StatusSuccess, sent.Body.(*envelope.CommandSent).Status)
			if c.table != "" {
				assert.Len(t, env.rec.Find(c.table), 1)
			}
		})
	}
}

func TestConsoleFrameErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		line   string
		status string
	}{
		{"malformed", `not json`, envelope.StatusInvalid},
		{"missing-robot", `{"type":"motor_control","speeds":[1,2,3]}`, envelope.StatusInvalid},
		{"motor-no-speeds", `{"type":"motor_control","robot_id":"robot1","speeds":[1]}`, envelope.StatusInvalid},
		{"unknown-type", `{"type":"dance","robot_id":"robot1"}`, envelope.StatusUnsupported},
		{"subscribe-empty", `{"type":"subscribe","topics":[]}`, envelope.StatusInvalid},
		{"subscribe-bad-pattern", `{"type":"subscribe","topics":["a#/b"]}`, envelope.StatusInvalid},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t)
			_, robotConn := env.robot("robot1")
			s, conn := env.console("c")
			assert.True(t, env.bridge.HandleConsole(s, []byte(c.line)))
			requireError(t, conn, c.status)
			assert.False(t, conn.Closed())
			assert.Equal(t, 0, robotConn.Count(envelope.TypeMotorControl))
		})
	}
}

func TestConsoleReserved(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, robotConn := env.robot("robot1")
	s, conn := env.console("c")
	require.NoError(t, env.bridge.Reserve("robot1"))
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"emergency_stop","robot_id":"robot1"}`)))
	requireError(t, conn, envelope.StatusReserved)
	assert.Equal(t, 0, robotConn.Count(envelope.TypeEmergencyStop))

	require.NoError(t, env.bridge.Release("robot1"))
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"emergency_stop","robot_id":"robot1"}`)))
	assert.Equal(t, 1, robotConn.Count(envelope.TypeEmergencyStop))
}

func TestConsoleSendFailedEvicts(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, robotConn := env.robot("robot1")
	robotConn.Fail()
	s, conn := env.console("c")
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"motor_control","robot_id":"robot1","speeds":[1,2,3]}`)))
	e := requireError(t, conn, envelope.StatusSendFailed)
	assert.Equal(t, "robot1", e.RobotID)
	assert.True(t, robotConn.Closed())
	_, err := env.bridge.Registry().Lookup("robot1")
	assert.True(t, errors.IsNotFound(err))
	logs := env.rec.Find(store.TableConnections)
	assert.Equal(t, store.EventEvicted, logs[len(logs)-1].(*store.ConnectionLog).Event)
	assert.Empty(t, env.rec.Find(store.TableMotor))

	// next command is not_found, never retried
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"motor_control","robot_id":"robot1","speeds":[1,2,3]}`)))
	requireError(t, conn, envelope.StatusNotFound)
}

func TestConsoleGlobal(t *testing.T) {
	t.Parallel()
	cases := []struct {
		line   string
		expect envelope.Type
	}{
		{`{"type":"ping"}`, envelope.TypePong},
		{`{"type":"ping","robot_id":"server"}`, envelope.TypePong},
		{`{"type":"heartbeat"}`, envelope.TypeHeartbeat},
		{`{"type":"get_robot_connections"}`, envelope.TypeRobotConnections},
		{`{"type":"status","robot_id":"server"}`, envelope.TypeRobotConnections},
	}
	env := newTestEnv(t)
	_, robotConn := env.robot("robot1")
	for _, c := range cases {
		s, conn := env.console("c-" + c.line)
		assert.True(t, env.bridge.HandleConsole(s, []byte(c.line)))
		e, _ := conn.Last(c.expect)
		require.NotNil(t, e, c.line)
		assert.Equal(t, envelope.ServerID, e.RobotID)
		if report, ok := e.Body.(*envelope.StatusReport); ok {
			require.Len(t, report.Robots, 1)
			assert.Equal(t, "robot1", report.Robots[0].RobotID)
		}
	}
	assert.Equal(t, 0, robotConn.Count(envelope.TypePing))
}

func TestConsoleSubscribe(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.console("c")
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"unsubscribe","topics":["#"]}`)))
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"subscribe","topics":["robot1/+"]}`)))
	e, _ := conn.Last(envelope.TypeSubscribed)
	require.NotNil(t, e)
	assert.Equal(t, []string{"robot1/+"}, e.Body.(*envelope.Subscribed).Topics)

	rs1, _ := env.robot("robot1")
	rs2, _ := env.robot("robot2")
	env.bridge.HandleRobot(rs1, []byte(`{"type":"log","robot_id":"robot1","message":"a"}`))
	env.bridge.HandleRobot(rs2, []byte(`{"type":"log","robot_id":"robot2","message":"b"}`))
	assert.Equal(t, 1, conn.Count(envelope.TypeLog))
}

func TestConsoleManualDisconnect(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.console("c")
	assert.False(t, env.bridge.HandleConsole(s, []byte(`{"type":"manual_disconnect"}`)))
	assert.Equal(t, 1, conn.Count(envelope.TypeDisconnectConfirmed))
	env.bridge.ConsoleClosed(s)
	assert.Empty(t, env.bridge.Registry().Consoles())
}

func TestBroadcastDropsFailingConsole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, _ := env.robot("robot1")
	_, good1 := env.console("a")
	_, bad := env.console("b")
	_, good2 := env.console("c")
	bad.Fail()

	assert.True(t, env.bridge.HandleRobot(s, []byte(`{"type":"encoder_data","robot_id":"robot1","rpm":[1,2,3]}`)))
	assert.Equal(t, 1, good1.Count(envelope.TypeEncoderData))
	assert.Equal(t, 1, good2.Count(envelope.TypeEncoderData))
	assert.True(t, bad.Closed())
	assert.Len(t, env.bridge.Registry().Consoles(), 2)
	assert.Equal(t, int64(1), env.bridge.Stat.BroadcastFailed.Value())
}

func TestBroadcastEncodeErrorKeepsConsoles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, c1 := env.console("a")
	_, c2 := env.console("b")

	bad := envelope.New("robot1", &envelope.TrajectoryUpdate{Position: envelope.Position{X: math.NaN()}})
	assert.Equal(t, 0, env.bridge.Broadcast(bad))
	assert.False(t, c1.Closed())
	assert.False(t, c2.Closed())
	assert.Len(t, env.bridge.Registry().Consoles(), 2)
	assert.Equal(t, int64(1), env.bridge.Stat.EncodeFailed.Value())
	assert.Equal(t, int64(0), env.bridge.Stat.BroadcastFailed.Value())

	good := envelope.New("robot1", &envelope.TrajectoryUpdate{Position: envelope.Position{X: 1}})
	assert.Equal(t, 2, env.bridge.Broadcast(good))
	assert.Nil(t, good.Raw, "caller envelope is not modified")
}

func TestNonFiniteWheelSampleKeepsConsoles(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, console := env.console("c")
	est := env.bridge.Estimator()
	est.Update("robot1", [3]float64{}, nil)
	time.Sleep(5 * time.Millisecond)

	p := est.Update("robot1", [3]float64{1e308, 1e308, -1e308}, nil)
	assert.Equal(t, 0.0, p.X)
	assert.Equal(t, 0.0, p.Y)
	assert.Equal(t, 0.0, p.Theta)
	env.bridge.OnPose(p)

	assert.Equal(t, 1, console.Count(envelope.TypeTrajectoryUpdate))
	assert.False(t, console.Closed())
	assert.Len(t, env.bridge.Registry().Consoles(), 1)
}

func TestResetTrajectory(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	_, console := env.console("c")
	assert.False(t, env.bridge.ResetTrajectory("robot1"))
	assert.False(t, env.bridge.ForgetTrajectory("robot1"))
	assert.Equal(t, 0, console.Count(envelope.TypeTrajectoryUpdate))

	est := env.bridge.Estimator()
	est.Update("robot1", [3]float64{}, nil)
	time.Sleep(5 * time.Millisecond)
	est.Update("robot1", [3]float64{120, 0, -120}, nil)

	require.True(t, env.bridge.ResetTrajectory("robot1"))
	e, _ := console.Last(envelope.TypeTrajectoryUpdate)
	require.NotNil(t, e)
	u := e.Body.(*envelope.TrajectoryUpdate)
	assert.Equal(t, envelope.Position{}, u.Position)
	assert.Equal(t, []float64{0}, u.Points.X)

	require.True(t, env.bridge.ForgetTrajectory("robot1"))
	_, ok := env.bridge.Pose("robot1")
	assert.False(t, ok)
}

func TestConsolePongActivityOnly(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	s, conn := env.console("c")
	assert.True(t, env.bridge.HandleConsole(s, []byte(`{"type":"pong","robot_id":"server"}`)))
	e, _ := conn.Last(envelope.TypeError)
	assert.Nil(t, e)
}
