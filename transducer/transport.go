package transducer

import (
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3"
)

// Module memory commands.
const (
	CmdRead   byte = 0x03
	CmdWrite  byte = 0x02
	CmdWREN   byte = 0x06
	CmdSample byte = 0x0B

	// AddrCoefficients is where the characterization block starts.
	AddrCoefficients uint16 = 0x0000
	// AddrCalibration is where the field calibration block starts.
	AddrCalibration uint16 = 0x1000

	// spiChunk bounds a single SPI read transaction.
	spiChunk   = 64
	sampleSize = 8
	uartAck    = 0x06
)

// SampleSentinel in a sample channel means the converter had no new value.
const SampleSentinel int32 = -1

// Sample is one pair of raw ADC readings.
type Sample struct {
	Bridge int32
	Diode  int32
}

// Transport moves raw blocks and samples between the module and the host.
type Transport interface {
	ReadCoefficients() ([]byte, error)
	ReadCalibration() ([]byte, error)
	ReadSample() (Sample, error)
	// WriteZero stores the zero offset, already in module byte order.
	WriteZero(b [4]byte) error
}

// ErrNack is returned when the UART adapter refuses a write.
var ErrNack = errors.New("transducer: write not acknowledged")

func decodeSample(b []byte) Sample {
	return Sample{Bridge: getInt32(b[0:]), Diode: getInt32(b[4:])}
}

//

// spiTransport talks to the module memory directly over SPI.
type spiTransport struct {
	c conn.Conn
}

func (t *spiTransport) String() string {
	return fmt.Sprintf("spi{%s}", t.c)
}

func (t *spiTransport) read(addr uint16, b []byte) error {
	for off := 0; off < len(b); off += spiChunk {
		n := min(spiChunk, len(b)-off)
		a := addr + uint16(off)
		// Bytes clocked in during the command and address are ignored.
		w := make([]byte, 3+n)
		r := make([]byte, len(w))
		w[0], w[1], w[2] = CmdRead, byte(a>>8), byte(a)
		if err := t.c.Tx(w, r); err != nil {
			return err
		}
		copy(b[off:], r[3:])
	}
	return nil
}

func (t *spiTransport) ReadCoefficients() ([]byte, error) {
	b := make([]byte, CoefficientsSize)
	return b, t.read(AddrCoefficients, b)
}

func (t *spiTransport) ReadCalibration() ([]byte, error) {
	b := make([]byte, CalibrationSize)
	return b, t.read(AddrCalibration, b)
}

func (t *spiTransport) ReadSample() (Sample, error) {
	w := make([]byte, 1+sampleSize)
	r := make([]byte, len(w))
	w[0] = CmdSample
	if err := t.c.Tx(w, r); err != nil {
		return Sample{}, err
	}
	return decodeSample(r[1:]), nil
}

func (t *spiTransport) WriteZero(b [4]byte) error {
	if err := t.c.Tx([]byte{CmdWREN}, nil); err != nil {
		return err
	}
	a := AddrCalibration + offZeroOffset
	return t.c.Tx([]byte{CmdWrite, byte(a >> 8), byte(a), b[0], b[1], b[2], b[3]}, nil)
}

//

// uartTransport frames the same commands for a serial bench adapter. Reads
// and writes carry a two byte length after the address and every write is
// answered by a single ack byte.
type uartTransport struct {
	rw io.ReadWriter
}

func (t *uartTransport) String() string {
	return "uart"
}

func (t *uartTransport) read(addr uint16, b []byte) error {
	var hdr [5]byte
	hdr[0], hdr[1], hdr[2] = CmdRead, byte(addr>>8), byte(addr)
	putUint16(hdr[3:], uint16(len(b)))
	if _, err := t.rw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.ReadFull(t.rw, b)
	return err
}

func (t *uartTransport) ReadCoefficients() ([]byte, error) {
	b := make([]byte, CoefficientsSize)
	return b, t.read(AddrCoefficients, b)
}

func (t *uartTransport) ReadCalibration() ([]byte, error) {
	b := make([]byte, CalibrationSize)
	return b, t.read(AddrCalibration, b)
}

func (t *uartTransport) ReadSample() (Sample, error) {
	if _, err := t.rw.Write([]byte{CmdSample}); err != nil {
		return Sample{}, err
	}
	var b [sampleSize]byte
	if _, err := io.ReadFull(t.rw, b[:]); err != nil {
		return Sample{}, err
	}
	return decodeSample(b[:]), nil
}

func (t *uartTransport) WriteZero(b [4]byte) error {
	a := AddrCalibration + offZeroOffset
	frame := []byte{CmdWrite, byte(a >> 8), byte(a), 0, 0, b[0], b[1], b[2], b[3]}
	putUint16(frame[3:], uint16(len(b)))
	if _, err := t.rw.Write(frame); err != nil {
		return err
	}
	var ack [1]byte
	if _, err := io.ReadFull(t.rw, ack[:]); err != nil {
		return err
	}
	if ack[0] != uartAck {
		return ErrNack
	}
	return nil
}

var _ Transport = &spiTransport{}
var _ Transport = &uartTransport{}
