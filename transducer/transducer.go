// Package transducer reads the characterization and calibration memory of a
// pluggable pressure module and turns its raw bridge and diode counts into
// temperature compensated pressure.
package transducer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"PressureServer/spline"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// CountsToVolts converts ADC counts to volts.
const CountsToVolts = 0.000048828125

// minBlendPoints is the number of calibration temperatures needed to blend.
const minBlendPoints = 3

// ErrSensing is returned by Sense while continuous sensing is running.
var ErrSensing = errors.New("already sensing continuously")

// NewSPI returns a handle to a module wired directly to an SPI port.
//
// It is recommended to call Halt() when done with the device so it stops
// sampling.
func NewSPI(p spi.Port) (*Dev, error) {
	c, err := p.Connect(physic.MegaHertz, spi.Mode3, 8)
	if err != nil {
		return nil, fmt.Errorf("transducer: %w", err)
	}
	return New(&spiTransport{c: c})
}

// NewUART returns a handle to a module behind a serial bench adapter.
func NewUART(rw io.ReadWriter) (*Dev, error) {
	return New(&uartTransport{rw: rw})
}

// New reads and validates both memory blocks through t.
//
// An unprogrammed or corrupted module is not an error: the validity flags
// report it and the pipeline falls back to uncorrected output.
func New(t Transport) (*Dev, error) {
	d := &Dev{t: t, name: "Transducer", cal: DefaultCalibration()}
	d.user = d.cal.Model()
	if err := d.Refresh(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a handle to a pressure module.
type Dev struct {
	t    Transport
	name string

	mu          sync.Mutex
	coeff       Coefficients
	headerValid bool
	dataValid   bool
	calValid    bool
	linear      []*spline.Spline
	thermal     []*spline.Spline
	pred        [MaxTC]float32
	cal         Calibration
	user        UserCalibration
	last        Sample

	stop    chan struct{}
	stopped chan struct{}
}

// Reading is one compensated sample.
type Reading struct {
	Time          time.Time
	Bridge        int32
	Diode         int32
	BridgeVoltage float32
	DiodeVoltage  float32
	// Pressure is expressed in the module's brand units.
	Pressure float32
	// Temperature is the module temperature in °C estimated from the diode
	// voltage.
	Temperature float32
	Units       string
}

// Env converts the reading to SI. The pressure is left at 0 when the units
// are unknown.
func (r Reading) Env() physic.Env {
	var e physic.Env
	e.Pressure, _ = ToPressure(r.Pressure, r.Units)
	e.Temperature = physic.Temperature(float64(r.Temperature)*float64(physic.Kelvin)) + physic.ZeroCelsius
	return e
}

// Info describes the module.
type Info struct {
	SerialNumber      uint32    `json:"serialNumber"`
	TransducerType    uint16    `json:"transducerType"`
	BrandMin          string    `json:"brandMin"`
	BrandMax          string    `json:"brandMax"`
	BrandType         string    `json:"brandType"`
	BrandUnits        string    `json:"brandUnits"`
	PositiveFullScale float32   `json:"positiveFullScale"`
	NegativeFullScale float32   `json:"negativeFullScale"`
	MinTemperature    float32   `json:"minTemperature"`
	MaxTemperature    float32   `json:"maxTemperature"`
	NumTC             int       `json:"numTC"`
	NumLin            int       `json:"numLin"`
	Manufactured      time.Time `json:"manufactured"`
	Calibrated        time.Time `json:"calibrated"`
	ZeroOffset        float32   `json:"zeroOffset"`
	SpanPoints        int       `json:"spanPoints"`
	HeaderValid       bool      `json:"headerValid"`
	DataValid         bool      `json:"dataValid"`
	CalibrationValid  bool      `json:"calibrationValid"`
}

func (d *Dev) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.headerValid {
		return fmt.Sprintf("%s#%d{%v}", d.name, d.coeff.SerialNumber, d.t)
	}
	return fmt.Sprintf("%s{%v}", d.name, d.t)
}

// Refresh re-reads both blocks from the module and revalidates them.
func (d *Dev) Refresh() error {
	coeff, err := d.t.ReadCoefficients()
	if err != nil {
		return d.wrap(fmt.Errorf("reading coefficients: %w", err))
	}
	cal, err := d.t.ReadCalibration()
	if err != nil {
		return d.wrap(fmt.Errorf("reading calibration: %w", err))
	}
	if !d.ValidateCoefficients(coeff) {
		log.Printf("%s: no valid characterization header", d)
	} else if !d.CoefficientDataValid() {
		log.Printf("%s: characterization data failed validation", d)
	}
	d.ValidateCalibration(cal)
	return nil
}

// ValidateCoefficients parses a characterization block and reports whether
// its header is valid. Payload validity is reported by CoefficientDataValid.
//
// The spline tables are rebuilt when the payload validates and dropped
// otherwise.
func (d *Dev) ValidateCoefficients(buf []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := decodeHeader(buf)
	d.headerValid = ok
	d.dataValid = false
	d.linear, d.thermal = nil, nil
	if !ok {
		d.coeff = Coefficients{}
		return false
	}
	d.dataValid = decodeData(buf, &c)
	d.coeff = c
	if d.dataValid {
		d.linear, d.thermal = c.tables()
	}
	return true
}

// ValidateCalibration parses a field calibration block. A block without the
// calibration marker leaves the defaults in place: no span correction and a
// zero offset of 0.
func (d *Dev) ValidateCalibration(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cal, d.calValid = decodeCalibration(buf)
	d.user = d.cal.Model()
}

// PressureMeasurement converts raw bridge and diode counts to pressure.
//
// There is no error: callers gate on the validity flags and must not trust
// the output of an unvalidated module.
func (d *Dev) PressureMeasurement(bridge, diode int32) float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, _ := d.compensate(float32(bridge)*CountsToVolts, float32(diode)*CountsToVolts)
	return p
}

// Compensate runs the pipeline on voltages instead of counts.
func (d *Dev) Compensate(bridgeV, diodeV float32) float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, _ := d.compensate(bridgeV, diodeV)
	return p
}

// compensate returns the pressure and the estimated temperature.
//
// It must be called with d.mu lock held.
func (d *Dev) compensate(bridgeV, diodeV float32) (float32, float32) {
	p, temp := d.factory(bridgeV, diodeV)
	return d.user.Apply(p + d.cal.ZeroOffset), temp
}

// factory applies the characterization curves only.
//
// It must be called with d.mu lock held.
func (d *Dev) factory(bridgeV, diodeV float32) (float32, float32) {
	n := len(d.linear)
	switch {
	case d.coeff.NumLin < MinPoints || n == 0:
		return bridgeV, d.coeff.Temperatures[0]
	case n < minBlendPoints:
		temp := d.coeff.Temperatures[0]
		if n == 2 {
			p0 := d.thermal[0].Evaluate(bridgeV)
			p1 := d.thermal[1].Evaluate(bridgeV)
			if p1 != p0 {
				f := (diodeV - p0) / (p1 - p0)
				temp += f * (d.coeff.Temperatures[1] - d.coeff.Temperatures[0])
			}
		}
		return d.linear[0].Evaluate(bridgeV), temp
	}

	pred := d.pred[:n]
	for i, t := range d.thermal {
		pred[i] = t.Evaluate(bridgeV)
	}
	i := 0
	for i < n && diodeV < pred[i] {
		i++
	}
	start := i - 1
	if start > n-minBlendPoints {
		start = n - minBlendPoints
	}
	if start < 0 {
		start = 0
	}

	var pp, tp [minBlendPoints]spline.Point
	for k := range pp {
		j := start + k
		pp[k] = spline.Point{X: pred[j], Y: d.linear[j].Evaluate(bridgeV)}
		tp[k] = spline.Point{X: pred[j], Y: d.coeff.Temperatures[j]}
	}
	p := spline.SolveQuadratic(pp[0], pp[1], pp[2]).Evaluate(diodeV)
	temp := spline.SolveQuadratic(tp[0], tp[1], tp[2]).Evaluate(diodeV)
	return p, temp
}

// Read takes one sample from the module and compensates it. A channel that
// reports SampleSentinel keeps its previous value.
func (d *Dev) Read() (Reading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.read()
}

// read must be called with d.mu lock held.
func (d *Dev) read() (Reading, error) {
	s, err := d.t.ReadSample()
	if err != nil {
		return Reading{}, d.wrap(err)
	}
	if s.Bridge != SampleSentinel {
		d.last.Bridge = s.Bridge
	}
	if s.Diode != SampleSentinel {
		d.last.Diode = s.Diode
	}
	r := Reading{
		Time:          time.Now(),
		Bridge:        d.last.Bridge,
		Diode:         d.last.Diode,
		BridgeVoltage: float32(d.last.Bridge) * CountsToVolts,
		DiodeVoltage:  float32(d.last.Diode) * CountsToVolts,
		Units:         d.coeff.BrandUnits,
	}
	r.Pressure, r.Temperature = d.compensate(r.BridgeVoltage, r.DiodeVoltage)
	return r, nil
}

// ZeroOffset returns the field zero offset.
func (d *Dev) ZeroOffset() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cal.ZeroOffset
}

// SetZeroOffset replaces the zero offset. Values that would be clamped when
// read back from the module are stored as 0.
func (d *Dev) SetZeroOffset(v float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cal.ZeroOffset = sanitizeZero(v)
}

// ZeroBytes returns the zero offset in module byte order.
func (d *Dev) ZeroBytes() [4]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return zeroBytes(d.cal.ZeroOffset)
}

// AutoZero takes a sample and sets the zero offset so that the compensated
// pressure at this point reads 0, span correction included. If the span
// correction never reaches 0 the factory value is zeroed instead. It returns
// the new offset.
func (d *Dev) AutoZero() (float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.read()
	if err != nil {
		return 0, err
	}
	p, _ := d.factory(r.BridgeVoltage, r.DiodeVoltage)
	target, ok := d.user.Invert(0)
	if !ok {
		target = 0
	}
	d.cal.ZeroOffset = sanitizeZero(target - p)
	return d.cal.ZeroOffset, nil
}

// WriteZero stores the current zero offset in the module.
func (d *Dev) WriteZero() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.t.WriteZero(zeroBytes(d.cal.ZeroOffset)); err != nil {
		return d.wrap(err)
	}
	return nil
}

// ApplySpan fits span points and replaces the user correction in memory.
func (d *Dev) ApplySpan(points []SpanPoint) (UserCalibration, error) {
	c, err := FitUserCalibration(points)
	if err != nil {
		return UserCalibration{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cal.NumPoints = c.NumPoints
	d.cal.Points = c.Points
	d.cal.Segments = c.Segments
	d.user = d.cal.Model()
	return d.user, nil
}

// UserCalibration returns the active user correction.
func (d *Dev) UserCalibration() UserCalibration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.user
}

// HeaderValid reports whether the last characterization header validated.
func (d *Dev) HeaderValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.headerValid
}

// CoefficientDataValid reports whether the last characterization payload
// validated.
func (d *Dev) CoefficientDataValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dataValid
}

// CalibrationValid reports whether the calibration marker was present.
func (d *Dev) CalibrationValid() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calValid
}

func (d *Dev) SerialNumber() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.SerialNumber
}

func (d *Dev) PositiveFullScale() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.PositiveFullScale
}

func (d *Dev) NegativeFullScale() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.NegativeFullScale
}

func (d *Dev) BrandMin() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.BrandMin
}

func (d *Dev) BrandMax() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.BrandMax
}

func (d *Dev) BrandType() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.BrandType
}

func (d *Dev) BrandUnits() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.BrandUnits
}

func (d *Dev) ManufacturingDate() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.coeff.Manufactured
}

// UserCalDate returns the most recent field calibration date, or the
// manufacturing date when none was recorded.
func (d *Dev) UserCalDate() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.userCalDate()
}

func (d *Dev) userCalDate() time.Time {
	if d.cal.Dates[0].IsZero() {
		return d.coeff.Manufactured
	}
	return d.cal.Dates[0]
}

// Info returns a snapshot of the module description and validity flags.
func (d *Dev) Info() Info {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := &d.coeff
	return Info{
		SerialNumber:      c.SerialNumber,
		TransducerType:    c.TransducerType,
		BrandMin:          c.BrandMin,
		BrandMax:          c.BrandMax,
		BrandType:         c.BrandType,
		BrandUnits:        c.BrandUnits,
		PositiveFullScale: c.PositiveFullScale,
		NegativeFullScale: c.NegativeFullScale,
		MinTemperature:    c.MinTemperature,
		MaxTemperature:    c.MaxTemperature,
		NumTC:             c.NumTC,
		NumLin:            c.NumLin,
		Manufactured:      c.Manufactured,
		Calibrated:        d.userCalDate(),
		ZeroOffset:        d.cal.ZeroOffset,
		SpanPoints:        d.cal.NumPoints,
		HeaderValid:       d.headerValid,
		DataValid:         d.dataValid,
		CalibrationValid:  d.calValid,
	}
}

// Sense takes a one time measurement as °C and Pascal.
func (d *Dev) Sense(e *physic.Env) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return d.wrap(ErrSensing)
	}
	r, err := d.read()
	if err != nil {
		return err
	}
	*e = r.Env()
	return nil
}

// SenseContinuous returns measurements as °C and Pascal on a continuous
// basis.
//
// The application must call Halt() to stop the sensing when done to stop the
// sampling and close the channel.
//
// It's the responsibility of the caller to retrieve the values from the
// channel as fast as possible, otherwise the interval may not be respected.
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	sensing := make(chan physic.Env)
	d.startContinuous(interval, func(r Reading, stop <-chan struct{}) bool {
		select {
		case sensing <- r.Env():
			return true
		case <-stop:
			return false
		}
	}, func() { close(sensing) })
	return sensing, nil
}

// ReadContinuous is SenseContinuous with the full reading, including raw
// counts and the pressure in brand units.
func (d *Dev) ReadContinuous(interval time.Duration) (<-chan Reading, error) {
	readings := make(chan Reading)
	d.startContinuous(interval, func(r Reading, stop <-chan struct{}) bool {
		select {
		case readings <- r:
			return true
		case <-stop:
			return false
		}
	}, func() { close(readings) })
	return readings, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {}

// Halt stops the sampling initiated by SenseContinuous() or
// ReadContinuous().
func (d *Dev) Halt() error {
	d.halt()
	return nil
}

//

func (d *Dev) halt() {
	d.mu.Lock()
	stop, stopped := d.stop, d.stopped
	d.stop, d.stopped = nil, nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		<-stopped
	}
}

// startContinuous replaces any running sensing loop with a new one.
func (d *Dev) startContinuous(interval time.Duration, send func(Reading, <-chan struct{}) bool, done func()) {
	d.mu.Lock()
	for d.stop != nil {
		d.mu.Unlock()
		d.halt()
		d.mu.Lock()
	}
	defer d.mu.Unlock()
	stop, stopped := make(chan struct{}), make(chan struct{})
	d.stop, d.stopped = stop, stopped
	go func() {
		defer close(stopped)
		defer done()
		d.sensingContinuous(interval, send, stop)
	}()
}

func (d *Dev) sensingContinuous(interval time.Duration, send func(Reading, <-chan struct{}) bool, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		// Do one initial sensing right away.
		d.mu.Lock()
		r, err := d.read()
		d.mu.Unlock()
		if err != nil {
			log.Printf("%s: failed to sense: %v", d, err)
		} else if !send(r, stop) {
			return
		}
		select {
		case <-stop:
			return
		case <-t.C:
		}
	}
}

func (d *Dev) wrap(err error) error {
	return fmt.Errorf("%s: %w", strings.ToLower(d.name), err)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
