package trajectory

import (
	"math"
	"time"

	"github.com/omnibot/omnirelay/envelope"
)

type Point struct {
	X     float64
	Y     float64
	Theta float64
}

// Pose is a copy of estimator state, safe to keep and modify.
type Pose struct {
	RobotID    string
	X          float64
	Y          float64
	Theta      float64
	Points     []Point // oldest first
	LastUpdate time.Time
	Accepted   int
	SavedCount int
}

func (p *Pose) Position() envelope.Position {
	return envelope.Position{X: p.X, Y: p.Y, Theta: p.Theta}
}

// Update is trajectory_update payload for consoles.
func (p *Pose) Update() *envelope.TrajectoryUpdate {
	u := &envelope.TrajectoryUpdate{
		Position: p.Position(),
		Points: envelope.Points{
			X:     make([]float64, len(p.Points)),
			Y:     make([]float64, len(p.Points)),
			Theta: make([]float64, len(p.Points)),
		},
	}
	for i, pt := range p.Points {
		u.Points.X[i], u.Points.Y[i], u.Points.Theta[i] = pt.X, pt.Y, pt.Theta
	}
	return u
}

// ring keeps last cap points, overwriting oldest.
type ring struct {
	buf   []Point
	start int
	n     int
}

func newRing(capacity int) ring { return ring{buf: make([]Point, capacity)} }

func (r *ring) push(p Point) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) tail() (Point, bool) {
	if r.n == 0 {
		return Point{}, false
	}
	return r.buf[(r.start+r.n-1)%len(r.buf)], true
}

func (r *ring) slice() []Point {
	out := make([]Point, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

type track struct {
	x, y, theta float64
	points      ring
	last        time.Time
	accepted    int
	saved       int
}

func (t *track) pose(robotID string) Pose {
	return Pose{
		RobotID:    robotID,
		X:          t.x,
		Y:          t.y,
		Theta:      t.theta,
		Points:     t.points.slice(),
		LastUpdate: t.last,
		Accepted:   t.accepted,
		SavedCount: t.saved,
	}
}

// appendDecimated adds current position if it moved past either threshold.
func (t *track) appendDecimated(minDistance, minAngle float64) bool {
	p := Point{X: t.x, Y: t.y, Theta: t.theta}
	if last, ok := t.points.tail(); ok {
		dist := math.Hypot(p.X-last.X, p.Y-last.Y)
		turn := math.Abs(AngleDiff(p.Theta, last.Theta))
		if dist <= minDistance && turn <= minAngle {
			return false
		}
	}
	t.points.push(p)
	return true
}
