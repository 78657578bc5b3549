package transducer

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/floats/scalar"
	"periph.io/x/conn/v3/physic"

	"PressureServer/spline"
)

// fakeTransport serves fixed blocks and replays samples, repeating the last
// one once they run out.
type fakeTransport struct {
	coeff   []byte
	cal     []byte
	samples []Sample
	next    int
	zero    [4]byte
	writes  int
	err     error
}

func (f *fakeTransport) ReadCoefficients() ([]byte, error) { return f.coeff, f.err }

func (f *fakeTransport) ReadCalibration() ([]byte, error) { return f.cal, f.err }

func (f *fakeTransport) ReadSample() (Sample, error) {
	if f.err != nil {
		return Sample{}, f.err
	}
	if len(f.samples) == 0 {
		return Sample{}, io.EOF
	}
	s := f.samples[f.next]
	if f.next < len(f.samples)-1 {
		f.next++
	}
	return s, nil
}

func (f *fakeTransport) WriteZero(b [4]byte) error {
	f.zero = b
	f.writes++
	return f.err
}

func blankCalibration() []byte {
	return bytes.Repeat([]byte{0xFF}, CalibrationSize)
}

func newTestDev(t *testing.T, c Coefficients, cal []byte, samples ...Sample) (*Dev, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{coeff: mustMarshal(t, c), cal: cal, samples: samples}
	d, err := New(ft)
	if err != nil {
		t.Fatal(err)
	}
	return d, ft
}

func counts(v float64) int32 {
	return int32(math.Round(v / CountsToVolts))
}

func TestSharedCurveIgnoresTemperature(t *testing.T) {
	shared := func(tc int, v float64) float64 { return 2500 * v }
	d, _ := newTestDev(t, testCoefficients(3, 2, shared, steppedDiode), blankCalibration())
	if !d.HeaderValid() || !d.CoefficientDataValid() {
		t.Fatal("characterization did not validate")
	}

	bridge := counts(0.004)
	want := float64(2500 * float32(bridge) * CountsToVolts)
	for _, diode := range []int32{counts(0.3), counts(0.55), counts(0.58), counts(0.9)} {
		got := d.PressureMeasurement(bridge, diode)
		if !scalar.EqualWithinAbs(float64(got), want, 1e-3) {
			t.Errorf("diode %d: %v != expected %v", diode, got, want)
		}
	}
}

func TestSingleTemperatureSkipsBlend(t *testing.T) {
	cubic := func(tc int, v float64) float64 { return 10 + 800*v - 3000*v*v + 20000*v*v*v }
	c := testCoefficients(1, 7, cubic, steppedDiode)
	d, _ := newTestDev(t, c, blankCalibration())

	x := make([]float32, c.NumLin)
	y := make([]float32, c.NumLin)
	for j := range x {
		x[j], y[j] = c.Points[0][j][Pressure].X, c.Points[0][j][Pressure].Y
	}
	s := spline.Fit(x, y)
	for _, v := range []float32{0, 0.013, 0.027, 0.05, 0.06} {
		want := s.Evaluate(v)
		for _, diode := range []float32{0.1, 0.6, 1.2} {
			if got := d.Compensate(v, diode); got != want {
				t.Errorf("v=%v diode=%v: %v != expected %v", v, diode, got, want)
			}
		}
	}
}

func TestMissingCalibrationIsIdentity(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(4, 6, linearPressure, steppedDiode), blankCalibration())
	if d.CalibrationValid() {
		t.Error("blank calibration validated")
	}
	if z := d.ZeroOffset(); z != 0 {
		t.Errorf("zero offset %v != expected 0", z)
	}
	u := d.UserCalibration()
	if u.NumSegments != 0 || u.Segments[0] != unityGain {
		t.Errorf("%+v != expected unity model", u)
	}

	d.mu.Lock()
	want, _ := d.factory(0.03, 0.5)
	d.mu.Unlock()
	if got := d.Compensate(0.03, 0.5); got != want {
		t.Errorf("%v != expected factory %v", got, want)
	}
}

func TestTooFewLinearityPointsPassesThrough(t *testing.T) {
	for _, numLin := range []int{0, 1} {
		d, _ := newTestDev(t, testCoefficients(3, numLin, linearPressure, steppedDiode), blankCalibration())
		for _, bridge := range []int32{-2048, 0, 1, 1000, 20480} {
			want := float32(bridge) * CountsToVolts
			if got := d.PressureMeasurement(bridge, counts(0.5)); got != want {
				t.Errorf("numLin=%d: %v != expected %v", numLin, got, want)
			}
		}
	}
}

func TestBlendAcrossTemperatures(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(4, 5, linearPressure, steppedDiode), blankCalibration())
	// Predicted diode voltages are about 0.6, 0.55, 0.5 and 0.45 and the
	// pressure grows by 5 per calibration temperature.
	cases := []struct {
		diode float32
		shift float64
	}{
		{0.6, 0},
		{0.575, 2.5},
		{0.5, 10},
		{0.46, 14},
		// Outside the characterized range the end brackets extrapolate.
		{0.7, -10},
		{0.4, 20},
	}

	bridge := float32(0.02)
	for _, tc := range cases {
		got := d.Compensate(bridge, tc.diode+0.01*bridge)
		want := 1000*float64(bridge) + tc.shift
		if !scalar.EqualWithinAbs(float64(got), want, 1e-2) {
			t.Errorf("diode %v: %v != expected %v", tc.diode, got, want)
		}
	}
}

func TestZeroAndSpanApplied(t *testing.T) {
	cal := DefaultCalibration()
	cal.ZeroOffset = 1.5
	cal.NumPoints = 2
	cal.Segments[0] = Gain{Gain: 2, Offset: -1}
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), mustMarshalCalibration(t, cal))
	if !d.CalibrationValid() {
		t.Fatal("calibration did not validate")
	}

	got := d.Compensate(0.02, 0.5)
	if !scalar.EqualWithinAbs(float64(got), 2*(20+1.5)-1, 1e-3) {
		t.Errorf("%v != expected %v", got, 2*(20+1.5)-1)
	}
}

func TestReadKeepsSentinelChannels(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: 100, Diode: 200},
		Sample{Bridge: SampleSentinel, Diode: 210},
		Sample{Bridge: 120, Diode: SampleSentinel},
		Sample{Bridge: SampleSentinel, Diode: SampleSentinel},
	)
	want := []Sample{{100, 200}, {100, 210}, {120, 210}, {120, 210}}

	for i, w := range want {
		r, err := d.Read()
		if err != nil {
			t.Fatal(err)
		}
		if r.Bridge != w.Bridge || r.Diode != w.Diode {
			t.Errorf("read %d: %d/%d != expected %d/%d", i, r.Bridge, r.Diode, w.Bridge, w.Diode)
		}
		if r.BridgeVoltage != float32(w.Bridge)*CountsToVolts {
			t.Errorf("read %d: bridge voltage %v", i, r.BridgeVoltage)
		}
	}
}

func TestReadTemperature(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(4, 5, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: counts(0.02), Diode: counts(0.575 + 0.01*0.02)})
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(float64(r.Temperature), 0, 0.05) {
		t.Errorf("temperature %v != expected 0", r.Temperature)
	}
	if r.Units != "kPa" {
		t.Errorf("units %q != expected kPa", r.Units)
	}

	e := r.Env()
	wantP := float64(r.Pressure) * float64(physic.KiloPascal)
	if !scalar.EqualWithinAbs(float64(e.Pressure), wantP, float64(physic.Pascal)) {
		t.Errorf("env pressure %s != expected %v nPa", e.Pressure, wantP)
	}
}

func TestAutoZero(t *testing.T) {
	d, ft := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: counts(0.012), Diode: counts(0.5)})

	zero, err := d.AutoZero()
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(float64(zero), -12, 0.05) {
		t.Errorf("zero %v != expected -12", zero)
	}
	r, err := d.Read()
	if err != nil {
		t.Fatal(err)
	}
	if !scalar.EqualWithinAbs(float64(r.Pressure), 0, 1e-4) {
		t.Errorf("pressure after auto zero %v != expected 0", r.Pressure)
	}

	if err := d.WriteZero(); err != nil {
		t.Fatal(err)
	}
	if ft.writes != 1 || ft.zero != d.ZeroBytes() {
		t.Errorf("wrote % x %d times, expected % x once", ft.zero, ft.writes, d.ZeroBytes())
	}
	if getFloat32(ft.zero[:]) != zero {
		t.Errorf("written zero %v != expected %v", getFloat32(ft.zero[:]), zero)
	}
}

func TestAutoZeroThroughSpan(t *testing.T) {
	spans := [][]SpanPoint{
		{{Reference: 0, Reading: 1}, {Reference: 30, Reading: 29}},
		{{Reference: 0, Reading: 1}, {Reference: 10, Reading: 9}, {Reference: 30, Reading: 31}},
	}
	for _, points := range spans {
		d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
			Sample{Bridge: counts(0.012), Diode: counts(0.5)})
		if _, err := d.ApplySpan(points); err != nil {
			t.Fatal(err)
		}
		zero, err := d.AutoZero()
		if err != nil {
			t.Fatal(err)
		}
		if !scalar.EqualWithinAbs(float64(zero), -11, 0.05) {
			t.Errorf("%d points: zero %v != expected -11", len(points), zero)
		}
		r, err := d.Read()
		if err != nil {
			t.Fatal(err)
		}
		if !scalar.EqualWithinAbs(float64(r.Pressure), 0, 1e-4) {
			t.Errorf("%d points: pressure after auto zero %v != expected 0", len(points), r.Pressure)
		}
	}
}

func TestSetZeroOffset(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 2, linearPressure, steppedDiode), blankCalibration())
	d.SetZeroOffset(0.25)
	if z := d.ZeroBytes(); z != [4]byte{0x3E, 0x80, 0x00, 0x00} {
		t.Errorf("% x != expected 3e 80 00 00", z)
	}
	d.SetZeroOffset(float32(math.NaN()))
	if z := d.ZeroOffset(); z != 0 {
		t.Errorf("%v != expected 0", z)
	}
}

func TestApplySpan(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration())
	u, err := d.ApplySpan([]SpanPoint{{Reference: 0, Reading: 1}, {Reference: 30, Reading: 29}})
	if err != nil {
		t.Fatal(err)
	}
	if u.NumSegments != 1 {
		t.Errorf("%d segments != expected 1", u.NumSegments)
	}
	if got := d.Compensate(0.029, 0.5); !scalar.EqualWithinAbs(float64(got), 30, 1e-3) {
		t.Errorf("%v != expected 30", got)
	}
	if _, err := d.ApplySpan(nil); !errors.Is(err, ErrSpanPoints) {
		t.Errorf("%v != expected %v", err, ErrSpanPoints)
	}
}

func TestValidityFlags(t *testing.T) {
	good := mustMarshal(t, testCoefficients(3, 4, linearPressure, steppedDiode))
	badData := append([]byte(nil), good...)
	badData[offTemperatures] ^= 0xFF
	badHeader := append([]byte(nil), good...)
	badHeader[offSerialNumber] ^= 0xFF

	cases := []struct {
		name   string
		buf    []byte
		header bool
		data   bool
	}{
		{"good", good, true, true},
		{"bad data", badData, true, false},
		{"bad header", badHeader, false, false},
		{"erased", bytes.Repeat([]byte{0xFF}, CoefficientsSize), false, false},
	}

	d, _ := newTestDev(t, testCoefficients(1, 2, linearPressure, steppedDiode), blankCalibration())
	for _, tc := range cases {
		if res := d.ValidateCoefficients(tc.buf); res != tc.header {
			t.Errorf("%s: ValidateCoefficients %v != expected %v", tc.name, res, tc.header)
		}
		if d.HeaderValid() != tc.header || d.CoefficientDataValid() != tc.data {
			t.Errorf("%s: flags %v/%v != expected %v/%v", tc.name, d.HeaderValid(), d.CoefficientDataValid(), tc.header, tc.data)
		}
	}

	// Dropped tables fall back to the bridge voltage.
	d.ValidateCoefficients(badData)
	if got := d.Compensate(0.02, 0.5); got != 0.02 {
		t.Errorf("%v != expected pass through", got)
	}
}

func TestModuleInfo(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(2, 3, linearPressure, steppedDiode), blankCalibration())
	if d.SerialNumber() != 123456 {
		t.Errorf("serial %d", d.SerialNumber())
	}
	if d.PositiveFullScale() != 700 || d.NegativeFullScale() != -100 {
		t.Errorf("full scale %v/%v", d.PositiveFullScale(), d.NegativeFullScale())
	}
	if d.BrandMin() != "-100" || d.BrandMax() != "700" || d.BrandType() != "G" || d.BrandUnits() != "kPa" {
		t.Errorf("brand %q %q %q %q", d.BrandMin(), d.BrandMax(), d.BrandType(), d.BrandUnits())
	}
	if !d.ManufacturingDate().Equal(manufactured) {
		t.Errorf("manufactured %v != expected %v", d.ManufacturingDate(), manufactured)
	}
	if !d.UserCalDate().Equal(manufactured) {
		t.Errorf("cal date %v != expected fallback %v", d.UserCalDate(), manufactured)
	}

	cal := DefaultCalibration()
	cal.Dates[0] = time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	d.ValidateCalibration(mustMarshalCalibration(t, cal))
	if !d.UserCalDate().Equal(cal.Dates[0]) {
		t.Errorf("cal date %v != expected %v", d.UserCalDate(), cal.Dates[0])
	}

	info := d.Info()
	if !info.HeaderValid || !info.DataValid || !info.CalibrationValid || info.NumTC != 2 {
		t.Errorf("%+v", info)
	}
}

func TestInterleavedDevices(t *testing.T) {
	a, _ := newTestDev(t, testCoefficients(4, 12, linearPressure, steppedDiode), blankCalibration())
	other := func(tc int, v float64) float64 { return 50 - 300*v + 40*float64(tc) }
	b, _ := newTestDev(t, testCoefficients(3, 9, other, steppedDiode), blankCalibration())

	var wantA, wantB []float32
	for i := 0; i < 10; i++ {
		wantA = append(wantA, a.Compensate(0.01*float32(i), 0.52))
	}
	for i := 9; i >= 0; i-- {
		wantB = append(wantB, b.Compensate(0.01*float32(i), 0.52))
	}
	for i := 0; i < 10; i++ {
		if got := a.Compensate(0.01*float32(i), 0.52); got != wantA[i] {
			t.Errorf("a[%d]: %v != expected %v", i, got, wantA[i])
		}
		if got := b.Compensate(0.01*float32(9-i), 0.52); got != wantB[i] {
			t.Errorf("b[%d]: %v != expected %v", i, got, wantB[i])
		}
	}
}

func TestReadContinuous(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: counts(0.01), Diode: counts(0.5)})

	readings, err := d.ReadContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		r := <-readings
		if !scalar.EqualWithinAbs(float64(r.Pressure), 10, 0.05) {
			t.Errorf("reading %d: %v != expected 10", i, r.Pressure)
		}
	}

	var e physic.Env
	if err := d.Sense(&e); !errors.Is(err, ErrSensing) {
		t.Errorf("%v != expected %v", err, ErrSensing)
	}

	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
	for range readings {
	}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if e.Pressure == 0 {
		t.Error("Sense did not fill pressure")
	}
}

func TestSenseContinuousRestart(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: counts(0.01), Diode: counts(0.5)})

	first, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	<-first
	second, err := d.SenseContinuous(time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	for range first {
	}
	e := <-second
	if want := 10 * physic.KiloPascal; e.Pressure < want-50*physic.Pascal || e.Pressure > want+50*physic.Pascal {
		t.Errorf("%s != expected %s", e.Pressure, want)
	}
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentContinuousStarts(t *testing.T) {
	d, _ := newTestDev(t, testCoefficients(1, 4, linearPressure, steppedDiode), blankCalibration(),
		Sample{Bridge: counts(0.01), Diode: counts(0.5)})

	const starts = 8
	var wg sync.WaitGroup
	closed := make(chan struct{}, starts)
	for i := 0; i < starts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			readings, err := d.ReadContinuous(time.Millisecond)
			if err != nil {
				t.Error(err)
				return
			}
			go func() {
				for range readings {
				}
				closed <- struct{}{}
			}()
		}()
	}
	wg.Wait()
	if err := d.Halt(); err != nil {
		t.Fatal(err)
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < starts; i++ {
		select {
		case <-closed:
		case <-timeout:
			t.Fatalf("%d of %d reading channels left open after Halt", starts-i, starts)
		}
	}
}

func TestNewTransportError(t *testing.T) {
	ft := &fakeTransport{err: io.ErrUnexpectedEOF}
	if _, err := New(ft); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("%v != expected %v", err, io.ErrUnexpectedEOF)
	}
}
