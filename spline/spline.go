// Package spline builds and evaluates the piecewise cubic interpolants used to
// turn transducer characterization points into continuous curves.
package spline

// MinPoints is the smallest number of points that yields a non-identity
// spline.
const MinPoints = 2

// Segment is one cubic piece, valid from OriginX up to the next segment's
// OriginX. Coefficients are expressed in u = x - OriginX.
type Segment struct {
	OriginX float32
	K       float32
	KX      float32
	KX2     float32
	KX3     float32
}

// Evaluate returns the polynomial value at x using Horner's method.
func (s Segment) Evaluate(x float32) float32 {
	u := x - s.OriginX
	return ((s.KX3*u+s.KX2)*u+s.KX)*u + s.K
}

// Spline is an ordered run of segments plus the index of the segment used by
// the last evaluation.
//
// A Spline must not be evaluated from more than one goroutine at a time; the
// cached index is per value, so distinct splines never interfere.
type Spline struct {
	segs []Segment
	last int
}

// Fit builds a spline through the points (x[i], y[i]). x must be ascending.
//
// For n >= 3 points it produces n-2 segments. Segment j starts at x[j+1] and
// is the Newton cubic through x[j..j+3]; the last segment only has three
// supporting points and degenerates to a quadratic. Queries below x[1] use
// the first segment and queries above x[n-2] the last one. Two points produce
// a single straight line. Fewer than two points produce the identity spline.
//
// Divided differences slide with the window: the first two first-order
// differences and the first second-order difference are seeded, then each
// segment adds one difference of each order.
func Fit(x, y []float32) *Spline {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	switch {
	case n < MinPoints:
		return &Spline{}
	case n == MinPoints:
		d1 := (float64(y[1]) - float64(y[0])) / (float64(x[1]) - float64(x[0]))
		return &Spline{segs: []Segment{{
			OriginX: x[0],
			K:       y[0],
			KX:      float32(d1),
		}}}
	}

	xs := func(i int) float64 { return float64(x[i]) }
	ys := func(i int) float64 { return float64(y[i]) }
	first := func(i int) float64 { return (ys(i+1) - ys(i)) / (xs(i+1) - xs(i)) }

	segs := make([]Segment, n-2)

	d1a, d1b := first(0), first(1)
	d2a := (d1b - d1a) / (xs(2) - xs(0))

	for j := 0; j < n-2; j++ {
		var d3 float64
		var d1c, d2b float64
		if j+3 < n {
			d1c = first(j + 2)
			d2b = (d1c - d1b) / (xs(j+3) - xs(j+1))
			d3 = (d2b - d2a) / (xs(j+3) - xs(j))
		}

		a := xs(j) - xs(j+1)
		b := xs(j+2) - xs(j+1)
		segs[j] = Segment{
			OriginX: x[j+1],
			K:       y[j+1],
			KX:      float32(d1a - d2a*a + d3*a*b),
			KX2:     float32(d2a - d3*(a+b)),
			KX3:     float32(d3),
		}

		d1a, d1b = d1b, d1c
		d2a = d2b
	}
	return &Spline{segs: segs}
}

// Len returns the number of segments.
func (s *Spline) Len() int {
	return len(s.segs)
}

// Segments returns a copy of the segments.
func (s *Spline) Segments() []Segment {
	out := make([]Segment, len(s.segs))
	copy(out, s.segs)
	return out
}

// Evaluate returns the spline value at x. The identity spline returns x.
func (s *Spline) Evaluate(x float32) float32 {
	if len(s.segs) == 0 {
		return x
	}
	i, _ := s.locate(x)
	return s.segs[i].Evaluate(x)
}

// locate finds the segment for x starting from the cached index and reports
// how many segments were stepped over.
func (s *Spline) locate(x float32) (i, steps int) {
	hi := len(s.segs) - 1
	i = s.last
	if i < 0 {
		i = 0
	} else if i > hi {
		i = hi
	}
	if x >= s.segs[i].OriginX {
		for i < hi && s.segs[i+1].OriginX <= x {
			i++
			steps++
		}
	} else {
		for i > 0 && s.segs[i].OriginX > x {
			i--
			steps++
		}
	}
	s.last = i
	return i, steps
}
