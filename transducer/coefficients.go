package transducer

import (
	"bytes"
	"strings"
	"time"

	"PressureServer/spline"
)

// Characterization block layout. Offsets are relative to the block start.
const (
	CoefficientsSize = 4096

	// MaxTC is the number of calibration temperatures the block can hold.
	MaxTC = 10
	// MaxLin is the number of linearity points per temperature.
	MaxLin = 24
	// MinPoints is the smallest linearity point count that gets a fitted curve.
	MinPoints = spline.MinPoints

	headerMarker = 0x02468ACE
	dataMarker   = 0x13579BDF

	offHeaderMarker   = 0x000
	offSerialNumber   = 0x004
	offManufactured   = 0x008
	offTransducer     = 0x00C
	offBrandMin       = 0x010
	offBrandMax       = 0x018
	offBrandType      = 0x020
	offBrandUnits     = 0x028
	brandLen          = 8
	offPositiveFS     = 0x030
	offNegativeFS     = 0x034
	offMinTemp        = 0x038
	offMaxTemp        = 0x03C
	offNumTC          = 0x040
	offNumLin         = 0x042
	offHeaderSum      = 0x044
	offDataMarker     = 0x050
	offDataSum        = 0x054
	offTemperatures   = 0x058
	offPoints         = 0x080
	pointSize         = 8
	channelStride     = pointSize
	linearityStride   = channels * channelStride
	temperatureStride = MaxLin * linearityStride
)

// Channel selects which characterization curve a point belongs to.
type Channel int

const (
	// Pressure points map bridge voltage to pressure.
	Pressure Channel = iota
	// Diode points map bridge voltage to diode (common mode) voltage.
	Diode

	channels = 2
)

// Coefficients is the decoded factory characterization block.
type Coefficients struct {
	SerialNumber      uint32
	Manufactured      time.Time
	TransducerType    uint16
	BrandMin          string
	BrandMax          string
	BrandType         string
	BrandUnits        string
	PositiveFullScale float32
	NegativeFullScale float32
	MinTemperature    float32
	MaxTemperature    float32

	// NumTC and NumLin are the declared point counts, truncated to MaxTC and
	// MaxLin.
	NumTC  int
	NumLin int

	Temperatures [MaxTC]float32
	// Points is indexed by temperature, linearity point and channel. X is the
	// bridge voltage.
	Points [MaxTC][MaxLin][channels]spline.Point
}

func pointOffset(tc, lin int, ch Channel) int {
	return offPoints + tc*temperatureStride + lin*linearityStride + int(ch)*channelStride
}

// decodeHeader checks the header marker and checksum and extracts the header
// fields.
func decodeHeader(buf []byte) (c Coefficients, ok bool) {
	if len(buf) < CoefficientsSize {
		return c, false
	}
	if getUint32(buf[offHeaderMarker:]) != headerMarker {
		return c, false
	}
	if HeaderChecksum(buf[:offHeaderSum]) != getUint16(buf[offHeaderSum:]) {
		return c, false
	}

	c.SerialNumber = getUint32(buf[offSerialNumber:])
	c.Manufactured, _ = decodeDate(buf[offManufactured:])
	c.TransducerType = getUint16(buf[offTransducer:])
	c.BrandMin = decodeString(buf[offBrandMin : offBrandMin+brandLen])
	c.BrandMax = decodeString(buf[offBrandMax : offBrandMax+brandLen])
	c.BrandType = decodeString(buf[offBrandType : offBrandType+brandLen])
	c.BrandUnits = decodeString(buf[offBrandUnits : offBrandUnits+brandLen])
	c.PositiveFullScale = getFloat32(buf[offPositiveFS:])
	c.NegativeFullScale = getFloat32(buf[offNegativeFS:])
	c.MinTemperature = getFloat32(buf[offMinTemp:])
	c.MaxTemperature = getFloat32(buf[offMaxTemp:])

	c.NumTC = int(getUint16(buf[offNumTC:]))
	if c.NumTC > MaxTC {
		c.NumTC = MaxTC
	}
	c.NumLin = int(getUint16(buf[offNumLin:]))
	if c.NumLin > MaxLin {
		c.NumLin = MaxLin
	}
	return c, true
}

// decodeData loads the temperatures and points declared by the header and
// checks the cal-data marker and payload checksum.
func decodeData(buf []byte, c *Coefficients) bool {
	if len(buf) < CoefficientsSize {
		return false
	}
	for i := 0; i < c.NumTC; i++ {
		c.Temperatures[i] = getFloat32(buf[offTemperatures+4*i:])
		for j := 0; j < c.NumLin; j++ {
			for ch := Pressure; ch < channels; ch++ {
				off := pointOffset(i, j, ch)
				c.Points[i][j][ch] = spline.Point{
					X: getFloat32(buf[off:]),
					Y: getFloat32(buf[off+4:]),
				}
			}
		}
	}
	if getUint32(buf[offDataMarker:]) != dataMarker {
		return false
	}
	return c.payloadChecksum() == getUint16(buf[offDataSum:])
}

// payloadChecksum sums FloatChecksum over every temperature and every point
// coordinate that curve fitting consumes.
func (c *Coefficients) payloadChecksum() uint16 {
	var sum uint32
	for i := 0; i < c.NumTC; i++ {
		sum += FloatChecksum(c.Temperatures[i])
		for j := 0; j < c.NumLin; j++ {
			for _, p := range c.Points[i][j] {
				sum += FloatChecksum(p.X) + FloatChecksum(p.Y)
			}
		}
	}
	return uint16(sum % checksumModulus)
}

// Curve fits the curve of one channel at calibration temperature tc.
func (c *Coefficients) Curve(tc int, ch Channel) *spline.Spline {
	n := c.NumLin
	if n < MinPoints {
		return spline.Fit(nil, nil)
	}
	x := make([]float32, n)
	y := make([]float32, n)
	for j := 0; j < n; j++ {
		p := c.Points[tc][j][ch]
		x[j], y[j] = p.X, p.Y
	}
	return spline.Fit(x, y)
}

// tables fits every curve. linear[i] maps bridge voltage to pressure and
// thermal[i] maps bridge voltage to diode voltage at temperature i.
func (c *Coefficients) tables() (linear, thermal []*spline.Spline) {
	linear = make([]*spline.Spline, c.NumTC)
	thermal = make([]*spline.Spline, c.NumTC)
	for i := 0; i < c.NumTC; i++ {
		linear[i] = c.Curve(i, Pressure)
		thermal[i] = c.Curve(i, Diode)
	}
	return linear, thermal
}

// MarshalBinary encodes the block in module memory format with both markers
// and checksums filled in. Unused bytes read as erased memory (0xFF).
func (c *Coefficients) MarshalBinary() ([]byte, error) {
	buf := bytes.Repeat([]byte{0xFF}, CoefficientsSize)

	putUint32(buf[offHeaderMarker:], headerMarker)
	putUint32(buf[offSerialNumber:], c.SerialNumber)
	encodeDate(buf[offManufactured:], c.Manufactured)
	putUint16(buf[offTransducer:], c.TransducerType)
	encodeString(buf[offBrandMin:offBrandMin+brandLen], c.BrandMin)
	encodeString(buf[offBrandMax:offBrandMax+brandLen], c.BrandMax)
	encodeString(buf[offBrandType:offBrandType+brandLen], c.BrandType)
	encodeString(buf[offBrandUnits:offBrandUnits+brandLen], c.BrandUnits)
	putFloat32(buf[offPositiveFS:], c.PositiveFullScale)
	putFloat32(buf[offNegativeFS:], c.NegativeFullScale)
	putFloat32(buf[offMinTemp:], c.MinTemperature)
	putFloat32(buf[offMaxTemp:], c.MaxTemperature)
	putUint16(buf[offNumTC:], uint16(c.NumTC))
	putUint16(buf[offNumLin:], uint16(c.NumLin))
	putUint16(buf[offHeaderSum:], HeaderChecksum(buf[:offHeaderSum]))

	d := *c
	if d.NumTC > MaxTC {
		d.NumTC = MaxTC
	}
	if d.NumLin > MaxLin {
		d.NumLin = MaxLin
	}
	putUint32(buf[offDataMarker:], dataMarker)
	for i := 0; i < MaxTC; i++ {
		putFloat32(buf[offTemperatures+4*i:], c.Temperatures[i])
		for j := 0; j < MaxLin; j++ {
			for ch := Pressure; ch < channels; ch++ {
				off := pointOffset(i, j, ch)
				putFloat32(buf[off:], c.Points[i][j][ch].X)
				putFloat32(buf[off+4:], c.Points[i][j][ch].Y)
			}
		}
	}
	putUint16(buf[offDataSum:], d.payloadChecksum())
	return buf, nil
}

// decodeString reads a NUL terminated, space padded field. Erased bytes
// (0xFF) count as padding.
func decodeString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	n := len(b)
	for n > 0 && b[n-1] == 0xFF {
		n--
	}
	return strings.TrimRight(string(b[:n]), " ")
}

func encodeString(b []byte, s string) {
	for i := range b {
		b[i] = 0
	}
	copy(b, s)
}
