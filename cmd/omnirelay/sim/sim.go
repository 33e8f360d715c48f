// Robot simulator: registers, streams wheel encoder samples and obeys motor commands.
package sim

import (
	"context"
	"flag"
	"math"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/cmd/omnirelay/subcmd"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/relay"
	"github.com/omnibot/omnirelay/trajectory"
)

var Mod = subcmd.Mod{Name: "sim", Usage: "simulated robot", ConfigOptional: true, Main: Main}

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	flags := flag.NewFlagSet("sim", flag.ContinueOnError)
	addr := flags.String("addr", robotAddr(cfg), "relay robot address host:port")
	id := flags.String("id", "sim1", "robot_id")
	rate := flags.Float64("rate", 10, "encoder samples per second")
	vx := flags.Float64("vx", 0.1, "initial body velocity x, m/s")
	vy := flags.Float64("vy", 0, "initial body velocity y, m/s")
	omega := flags.Float64("omega", 0.2, "initial angular velocity, rad/s")
	count := flags.Int("count", 0, "stop after N samples, 0 = forever")
	if err := flags.Parse(args); err != nil {
		return errors.Annotate(err, "sim flags")
	}
	if *rate <= 0 {
		return errors.NotValidf("sim rate=%v", *rate)
	}

	c, err := relay.DialRobot(ctx, *addr, cfg.Robot.WriteTimeout())
	if err != nil {
		return err
	}
	defer c.Close()
	if err = c.Register(*id, &envelope.Registration{Model: "sim", Version: "1", Capabilities: []string{"encoder", "imu"}}); err != nil {
		return err
	}
	log.Infof("sim robot=%s registered addr=%s", *id, *addr)

	s := &Robot{ID: *id, Geometry: trajectory.Geometry{WheelRadius: cfg.Trajectory.WheelRadius, RobotRadius: cfg.Trajectory.RobotRadius}}
	s.SetVelocity([3]float64{*vx, *vy, *omega})
	errch := make(chan error, 1)
	go func() { errch <- s.receiveLoop(ctx, c, log) }()

	ticker := time.NewTicker(time.Duration(float64(time.Second) / *rate))
	defer ticker.Stop()
	start := time.Now()
	for n := 0; *count == 0 || n < *count; n++ {
		select {
		case <-ctx.Done():
			return c.Send(envelope.New(*id, &envelope.ManualDisconnect{}))
		case err = <-errch:
			return err
		case <-ticker.C:
		}
		if err = c.Send(envelope.New(*id, s.Encoder())); err != nil {
			return err
		}
		if n%int(math.Max(*rate, 1)) == 0 {
			s.Advance(time.Since(start).Seconds())
			if err = c.Send(envelope.New(*id, s.IMU())); err != nil {
				return err
			}
		}
	}
	return c.Send(envelope.New(*id, &envelope.ManualDisconnect{}))
}

func robotAddr(cfg *config.Config) string {
	for _, l := range cfg.Robot.Listen {
		if !strings.HasPrefix(l, "tcp://") {
			continue
		}
		host, port, err := net.SplitHostPort(strings.TrimPrefix(l, "tcp://"))
		if err != nil {
			continue
		}
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		return net.JoinHostPort(host, port)
	}
	return "127.0.0.1:9000"
}

// Robot is simulated omni wheel base. Commands arrive concurrently with sampling.
type Robot struct {
	ID       string
	Geometry trajectory.Geometry

	mu      sync.Mutex
	rpm     [3]float64
	heading float64
	omega   float64
	last    float64
}

// SetVelocity takes body frame [vx, vy, omega].
func (r *Robot) SetVelocity(v [3]float64) {
	rpm := r.Geometry.WheelRPM(0, v)
	r.mu.Lock()
	r.rpm, r.omega = rpm, v[2]
	r.mu.Unlock()
}

func (r *Robot) SetRPM(rpm [3]float64) {
	v, ok := r.Geometry.Velocity(0, rpm)
	r.mu.Lock()
	r.rpm = rpm
	if ok {
		r.omega = v[2]
	}
	r.mu.Unlock()
}

func (r *Robot) Stop() { r.SetRPM([3]float64{}) }

func (r *Robot) RPM() [3]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rpm
}

// Advance integrates heading up to t seconds since start.
func (r *Robot) Advance(t float64) {
	r.mu.Lock()
	r.heading = trajectory.NormalizeAngle(r.heading + r.omega*(t-r.last))
	r.last = t
	r.mu.Unlock()
}

func (r *Robot) Encoder() *envelope.EncoderSample {
	rpm := r.RPM()
	return &envelope.EncoderSample{RPM: rpm[:]}
}

func (r *Robot) IMU() *envelope.IMUSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &envelope.IMUSample{
		Orientation:     &envelope.Orientation{Yaw: r.heading},
		AngularVelocity: &envelope.Vector3{Z: r.omega},
	}
}

// Apply handles one command frame, returns false for frames it ignores.
func (r *Robot) Apply(e *envelope.Envelope) bool {
	switch body := e.Body.(type) {
	case *envelope.MotorControl:
		if body.Velocities != nil {
			r.SetVelocity([3]float64{body.Velocities.X, body.Velocities.Y, body.Velocities.Theta})
		} else {
			r.SetRPM([3]float64{body.Speeds[0], body.Speeds[1], body.Speeds[2]})
		}
	case *envelope.EmergencyStop:
		r.Stop()
	default:
		return false
	}
	return true
}

func (r *Robot) receiveLoop(ctx context.Context, c *relay.RobotClient, log *log2.Log) error {
	for ctx.Err() == nil {
		e, err := c.Receive(time.Second)
		if err != nil {
			if ne, ok := errors.Cause(err).(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.IsNotValid(err) {
				log.Errorf("sim receive err=%v", err)
				continue
			}
			return errors.Annotate(err, "sim receive")
		}
		switch {
		case e.Type == envelope.TypePing:
			_ = c.Send(envelope.NewPong(r.ID))
		case e.Type == envelope.TypeDataAck:
		case e.Type == envelope.TypeDisconnectConfirmed:
			return nil
		case r.Apply(e):
			log.Infof("sim robot=%s command type=%s rpm=%v", r.ID, e.Type, r.RPM())
		default:
			log.Debugf("sim robot=%s recv %s", r.ID, e.String())
		}
	}
	return nil
}
