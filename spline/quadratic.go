package spline

// Point is a single (X, Y) sample.
type Point struct {
	X, Y float32
}

// Quadratic is y = X2*u² + X*u + K with u = x - X0.
type Quadratic struct {
	X0 float32
	X2 float32
	X  float32
	K  float32
}

// SolveQuadratic returns the parabola passing exactly through p1, p2 and p3,
// with the axis shifted to p1.X.
//
// The three X values must be distinct. Repeated X values produce infinite or
// NaN coefficients.
func SolveQuadratic(p1, p2, p3 Point) Quadratic {
	u2 := float64(p2.X) - float64(p1.X)
	u3 := float64(p3.X) - float64(p1.X)
	s2 := (float64(p2.Y) - float64(p1.Y)) / u2
	s3 := (float64(p3.Y) - float64(p1.Y)) / u3

	x2 := (s3 - s2) / (u3 - u2)
	return Quadratic{
		X0: p1.X,
		X2: float32(x2),
		X:  float32(s2 - x2*u2),
		K:  p1.Y,
	}
}

// Evaluate returns the parabola value at x.
func (q Quadratic) Evaluate(x float32) float32 {
	u := x - q.X0
	return (q.X2*u+q.X)*u + q.K
}
