package trajectory

import "math"

const singularEpsilon = 1e-12

// Geometry of 3-wheel omnidirectional drive, wheels 120 degrees apart.
type Geometry struct {
	WheelRadius float64 // m
	RobotRadius float64 // wheel offset from center, m
}

var DefaultGeometry = Geometry{WheelRadius: 0.03, RobotRadius: 0.153}

// Matrix maps body velocity [vx,vy,omega] to wheel rim speeds at heading theta.
func (g Geometry) Matrix(theta float64) [3][3]float64 {
	const third = math.Pi / 3
	r := g.RobotRadius
	return [3][3]float64{
		{-math.Sin(theta), math.Cos(theta), r},
		{-math.Sin(third - theta), -math.Cos(third - theta), r},
		{math.Sin(third + theta), -math.Cos(third + theta), r},
	}
}

// Velocity solves Matrix(theta)*v = rim speeds from rpm.
// ok=false on singular matrix, v is zero then.
func (g Geometry) Velocity(theta float64, rpm [3]float64) (v [3]float64, ok bool) {
	var s [3]float64
	for i, x := range rpm {
		s[i] = RPMToRadSec(x) * g.WheelRadius
	}
	return solve3(g.Matrix(theta), s)
}

// WheelRPM is inverse of Velocity, used by simulator and tests.
func (g Geometry) WheelRPM(theta float64, v [3]float64) (rpm [3]float64) {
	h := g.Matrix(theta)
	for i := range h {
		s := h[i][0]*v[0] + h[i][1]*v[1] + h[i][2]*v[2]
		rpm[i] = RadSecToRPM(s / g.WheelRadius)
	}
	return rpm
}

func RPMToRadSec(rpm float64) float64 { return rpm * 2 * math.Pi / 60 }
func RadSecToRPM(w float64) float64   { return w * 60 / (2 * math.Pi) }

// NormalizeAngle maps a into (-pi, pi].
func NormalizeAngle(a float64) float64 {
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// AngleDiff is shortest signed difference a-b on the circle.
func AngleDiff(a, b float64) float64 { return NormalizeAngle(a - b) }

// solve3 is Gaussian elimination with partial pivoting.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	const n = 3
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < singularEpsilon {
			return [3]float64{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		b[col], b[pivot] = b[pivot], b[col]
		for row := col + 1; row < n; row++ {
			f := a[row][col] / a[col][col]
			for k := col; k < n; k++ {
				a[row][k] -= f * a[col][k]
			}
			b[row] -= f * b[col]
		}
	}
	var x [3]float64
	for row := n - 1; row >= 0; row-- {
		sum := b[row]
		for k := row + 1; k < n; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}
	return x, true
}
