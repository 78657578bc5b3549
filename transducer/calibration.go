package transducer

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Calibration block layout.
const (
	CalibrationSize = 1024

	// MaxSpanPoints is the number of span points a field calibration keeps.
	MaxSpanPoints = 3
	// MaxSegments is the number of (gain, offset) pairs.
	MaxSegments = MaxSpanPoints - 1
	// MaxCalDates is the number of calibration dates kept, most recent first.
	MaxCalDates = 10

	calibrationMarker = 0x89ABCDEF

	offCalMarker     = 0x00
	offZeroOffset    = 0x04
	offZeroMirror    = 0x08
	offNumCalPoints  = 0x0C
	offSpanPoints    = 0x10
	spanPointSize    = 8
	offSegments      = 0x28
	segmentSize      = 8
	offCalDates      = 0x38
	dateSize         = 4
	emptyDateDay     = 0xFF
	minNormalFloat32 = 0x1p-126
)

// SpanPoint is a field calibration point: the reference pressure applied and
// the compensated reading observed.
type SpanPoint struct {
	Reference float32 `json:"reference"`
	Reading   float32 `json:"reading"`
}

// Gain is one linear correction, y = Gain*x + Offset.
type Gain struct {
	Gain   float32 `json:"gain"`
	Offset float32 `json:"offset"`
}

var unityGain = Gain{Gain: 1}

// Calibration is the decoded field calibration block.
type Calibration struct {
	ZeroOffset float32
	NumPoints  int
	Points     [MaxSpanPoints]SpanPoint
	Segments   [MaxSegments]Gain
	Dates      [MaxCalDates]time.Time
}

// DefaultCalibration is applied when the module holds no valid field
// calibration: no points, unity gain, zero offset.
func DefaultCalibration() Calibration {
	return Calibration{Segments: [MaxSegments]Gain{unityGain, unityGain}}
}

// UserCalibration is the correction applied after factory compensation.
type UserCalibration struct {
	NumSegments int
	Breakpoint  float32
	Segments    [MaxSegments]Gain
}

// Model derives the user correction from the block.
func (c *Calibration) Model() UserCalibration {
	n := c.NumPoints - 1
	if n < 0 {
		n = 0
	} else if n > MaxSegments {
		n = MaxSegments
	}
	return UserCalibration{
		NumSegments: n,
		Breakpoint:  c.Points[1].Reading,
		Segments:    c.Segments,
	}
}

// Apply corrects x. With two segments, readings below the breakpoint use the
// first one.
func (u UserCalibration) Apply(x float32) float32 {
	switch {
	case u.NumSegments <= 0:
		return x
	case u.NumSegments == 1:
		return u.Segments[0].Gain*x + u.Segments[0].Offset
	}
	s := u.Segments[1]
	if x < u.Breakpoint {
		s = u.Segments[0]
	}
	return s.Gain*x + s.Offset
}

// Invert returns the input that Apply maps to y. It reports false when no
// segment reaches y.
func (u UserCalibration) Invert(y float32) (float32, bool) {
	switch {
	case u.NumSegments <= 0:
		return y, true
	case u.NumSegments == 1:
		s := u.Segments[0]
		if s.Gain == 0 {
			return 0, false
		}
		return (y - s.Offset) / s.Gain, true
	}
	if s := u.Segments[0]; s.Gain != 0 {
		if x := (y - s.Offset) / s.Gain; x < u.Breakpoint {
			return x, true
		}
	}
	if s := u.Segments[1]; s.Gain != 0 {
		if x := (y - s.Offset) / s.Gain; x >= u.Breakpoint {
			return x, true
		}
	}
	return 0, false
}

var (
	// ErrSpanPoints is returned when a span fit gets fewer than 2 or more
	// than MaxSpanPoints points.
	ErrSpanPoints = errors.New("transducer: span calibration needs 2 or 3 points")
	// ErrSpanDegenerate is returned when two span points share a reading.
	ErrSpanDegenerate = errors.New("transducer: span points must have distinct readings")
)

// FitUserCalibration computes the (gain, offset) segments through the span points,
// ordered by reading. The returned block has NumPoints and Segments set.
func FitUserCalibration(points []SpanPoint) (Calibration, error) {
	c := DefaultCalibration()
	if len(points) < 2 || len(points) > MaxSpanPoints {
		return c, ErrSpanPoints
	}
	sorted := append([]SpanPoint(nil), points...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Reading < sorted[j].Reading })

	for i := 0; i+1 < len(sorted); i++ {
		a, b := sorted[i], sorted[i+1]
		if a.Reading == b.Reading {
			return DefaultCalibration(), ErrSpanDegenerate
		}
		x := []float64{float64(a.Reading), float64(b.Reading)}
		y := []float64{float64(a.Reference), float64(b.Reference)}
		offset, gain := stat.LinearRegression(x, y, nil, false)
		c.Segments[i] = Gain{Gain: float32(gain), Offset: float32(offset)}
	}
	c.NumPoints = len(sorted)
	copy(c.Points[:], sorted)
	return c, nil
}

// decodeCalibration reads a field calibration block. An unwritten or foreign
// block yields DefaultCalibration and false.
func decodeCalibration(buf []byte) (Calibration, bool) {
	c := DefaultCalibration()
	if len(buf) < CalibrationSize || getUint32(buf[offCalMarker:]) != calibrationMarker {
		return c, false
	}

	c.ZeroOffset = sanitizeZero(getFloat32(buf[offZeroOffset:]))

	c.NumPoints = int(getUint16(buf[offNumCalPoints:]))
	if c.NumPoints > MaxSpanPoints {
		c.NumPoints = MaxSpanPoints
	}
	for i := range c.Points {
		off := offSpanPoints + i*spanPointSize
		c.Points[i] = SpanPoint{
			Reference: getFloat32(buf[off:]),
			Reading:   getFloat32(buf[off+4:]),
		}
	}
	for i := range c.Segments {
		off := offSegments + i*segmentSize
		c.Segments[i] = Gain{
			Gain:   getFloat32(buf[off:]),
			Offset: getFloat32(buf[off+4:]),
		}
	}
	for i := range c.Dates {
		c.Dates[i], _ = decodeDate(buf[offCalDates+i*dateSize:])
	}
	return c, true
}

// MarshalBinary encodes the block in module memory format. The zero offset is
// written in module order and mirrored in application order.
func (c *Calibration) MarshalBinary() ([]byte, error) {
	buf := bytes.Repeat([]byte{0xFF}, CalibrationSize)
	putUint32(buf[offCalMarker:], calibrationMarker)
	zero := zeroBytes(c.ZeroOffset)
	copy(buf[offZeroOffset:], zero[:])
	putFloat32(buf[offZeroMirror:], reverseFloat32(c.ZeroOffset))
	putUint16(buf[offNumCalPoints:], uint16(c.NumPoints))
	for i, p := range c.Points {
		off := offSpanPoints + i*spanPointSize
		putFloat32(buf[off:], p.Reference)
		putFloat32(buf[off+4:], p.Reading)
	}
	for i, s := range c.Segments {
		off := offSegments + i*segmentSize
		putFloat32(buf[off:], s.Gain)
		putFloat32(buf[off+4:], s.Offset)
	}
	for i, d := range c.Dates {
		encodeDate(buf[offCalDates+i*dateSize:], d)
	}
	return buf, nil
}

// sanitizeZero maps zero, subnormal, NaN and infinite offsets to 0.
func sanitizeZero(f float32) float32 {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) < minNormalFloat32 {
		return 0
	}
	return f
}

// zeroBytes returns f in module byte order.
func zeroBytes(f float32) [4]byte {
	var b [4]byte
	putFloat32(b[:], f)
	return b
}

// decodeDate reads day, month and a two byte year. A 0xFF day marks an
// empty slot.
func decodeDate(b []byte) (time.Time, bool) {
	if b[0] == emptyDateDay {
		return time.Time{}, false
	}
	year := int(getUint16(b[2:]))
	return time.Date(year, time.Month(b[1]), int(b[0]), 0, 0, 0, 0, time.UTC), true
}

func encodeDate(b []byte, t time.Time) {
	if t.IsZero() {
		b[0], b[1], b[2], b[3] = emptyDateDay, emptyDateDay, emptyDateDay, emptyDateDay
		return
	}
	b[0] = byte(t.Day())
	b[1] = byte(t.Month())
	putUint16(b[2:], uint16(t.Year()))
}
