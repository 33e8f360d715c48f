// Package trajectory estimates robot pose by dead reckoning from wheel speeds.
package trajectory

import (
	"context"
	"expvar"
	"math"
	"sync"
	"time"

	"github.com/omnibot/omnirelay/log2"
)

type Options struct {
	Geometry
	MaxPoints     int
	MinDistance   float64 // m
	MinAngle      float64 // rad
	SnapshotEvery int
	MaxDt         float64 // seconds
	// use last imu_data yaw instead of integrating omega
	IMUHeading bool
	Queue      int

	Log        *log2.Log
	Now        func() time.Time
	OnSnapshot func(Pose)
	OnUpdate   func(Pose)
}

func (o *Options) defaults() {
	if o.WheelRadius == 0 {
		o.WheelRadius = DefaultGeometry.WheelRadius
	}
	if o.RobotRadius == 0 {
		o.RobotRadius = DefaultGeometry.RobotRadius
	}
	if o.MaxPoints <= 0 {
		o.MaxPoints = 500
	}
	if o.MinDistance == 0 {
		o.MinDistance = 0.05
	}
	if o.MinAngle == 0 {
		o.MinAngle = 0.1
	}
	if o.SnapshotEvery <= 0 {
		o.SnapshotEvery = 10
	}
	if o.MaxDt <= 0 {
		o.MaxDt = 1.0
	}
	if o.Queue <= 0 {
		o.Queue = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

const minDt = 0.001

type Sample struct {
	RobotID string
	RPM     [3]float64
	Heading *float64
}

type Estimator struct {
	opt Options
	log *log2.Log

	mu       sync.Mutex
	tracks   map[string]*track
	headings map[string]float64

	queue   chan Sample
	Dropped expvar.Int
}

func NewEstimator(opt Options) *Estimator {
	opt.defaults()
	return &Estimator{
		opt:      opt,
		log:      opt.Log,
		tracks:   make(map[string]*track),
		headings: make(map[string]float64),
		queue:    make(chan Sample, opt.Queue),
	}
}

// Update integrates one wheel speed sample and returns copy of resulting pose.
// First sample for a robot only creates pose at origin.
func (e *Estimator) Update(robotID string, rpm [3]float64, heading *float64) Pose {
	now := e.opt.Now()
	var snapshot *Pose

	e.mu.Lock()
	t, ok := e.tracks[robotID]
	if !ok {
		t = &track{points: newRing(e.opt.MaxPoints), last: now}
		t.points.push(Point{})
		e.tracks[robotID] = t
	}
	dt := now.Sub(t.last).Seconds()
	if dt > e.opt.MaxDt {
		dt = e.opt.MaxDt
	}
	if dt < minDt {
		pose := t.pose(robotID)
		e.mu.Unlock()
		return pose
	}
	v, solved := e.opt.Velocity(t.theta, rpm)
	if !solved {
		e.log.Errorf("trajectory robot=%s singular kinematic matrix theta=%.4f rpm=%v", robotID, t.theta, rpm)
	}
	theta := t.theta
	if heading != nil {
		theta = NormalizeAngle(*heading)
	}
	sin, cos := math.Sincos(theta)
	wx := v[0]*cos - v[1]*sin
	wy := v[0]*sin + v[1]*cos
	x, y := t.x+wx*dt, t.y+wy*dt
	if heading == nil {
		theta = NormalizeAngle(theta + v[2]*dt)
	}
	if !finite(v[0], v[1], v[2], x, y, theta) {
		e.log.Errorf("trajectory robot=%s non-finite result v=%v rpm=%v, sample rejected", robotID, v, rpm)
		pose := t.pose(robotID)
		e.mu.Unlock()
		return pose
	}
	t.last = now
	t.x, t.y, t.theta = x, y, theta
	t.appendDecimated(e.opt.MinDistance, e.opt.MinAngle)
	t.accepted++
	if t.accepted%e.opt.SnapshotEvery == 0 && e.opt.OnSnapshot != nil {
		t.saved++
		p := t.pose(robotID)
		snapshot = &p
	}
	pose := t.pose(robotID)
	e.mu.Unlock()

	if snapshot != nil {
		e.opt.OnSnapshot(*snapshot)
	}
	return pose
}

// Get returns copy of current pose.
func (e *Estimator) Get(robotID string) (Pose, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.tracks[robotID]
	if !ok {
		return Pose{RobotID: robotID}, false
	}
	return t.pose(robotID), true
}

// Reset moves known robot back to origin and clears history.
func (e *Estimator) Reset(robotID string) (Pose, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tracks[robotID]; !ok {
		return Pose{RobotID: robotID}, false
	}
	t := &track{points: newRing(e.opt.MaxPoints), last: e.opt.Now()}
	t.points.push(Point{})
	e.tracks[robotID] = t
	return t.pose(robotID), true
}

// Forget drops robot state, next sample starts new track at origin.
func (e *Estimator) Forget(robotID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tracks[robotID]
	delete(e.tracks, robotID)
	delete(e.headings, robotID)
	return ok
}

// ObserveHeading remembers IMU yaw used by Feed when IMUHeading is enabled.
func (e *Estimator) ObserveHeading(robotID string, yaw float64) {
	if !e.opt.IMUHeading {
		return
	}
	e.mu.Lock()
	e.headings[robotID] = yaw
	e.mu.Unlock()
}

// Feed enqueues sample for Run, never blocks. Returns false if queue is full.
func (e *Estimator) Feed(s Sample) bool {
	select {
	case e.queue <- s:
		return true
	default:
		e.Dropped.Add(1)
		e.log.Errorf("trajectory queue full, drop robot=%s", s.RobotID)
		return false
	}
}

// Run applies fed samples in order until ctx is done.
func (e *Estimator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-e.queue:
			e.apply(s)
		}
	}
}

func (e *Estimator) apply(s Sample) {
	heading := s.Heading
	if heading == nil && e.opt.IMUHeading {
		e.mu.Lock()
		if yaw, ok := e.headings[s.RobotID]; ok {
			heading = &yaw
		}
		e.mu.Unlock()
	}
	pose := e.Update(s.RobotID, s.RPM, heading)
	if e.opt.OnUpdate != nil {
		e.opt.OnUpdate(pose)
	}
}

func finite(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
