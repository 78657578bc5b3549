package transducer

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// Module memory stores every multi-byte scalar byte-reversed relative to the
// application representation, which is little-endian. Loads read the
// application order and reverse; stores reverse and write the application
// order.

func reverse16(v uint16) uint16 { return bits.ReverseBytes16(v) }

func reverse32(v uint32) uint32 { return bits.ReverseBytes32(v) }

func reverseFloat32(f float32) float32 {
	return math.Float32frombits(reverse32(math.Float32bits(f)))
}

func getUint16(b []byte) uint16 {
	return reverse16(binary.LittleEndian.Uint16(b))
}

func getUint32(b []byte) uint32 {
	return reverse32(binary.LittleEndian.Uint32(b))
}

func getInt32(b []byte) int32 {
	return int32(getUint32(b))
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(getUint32(b))
}

func putUint16(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, reverse16(v))
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, reverse32(v))
}

func putFloat32(b []byte, f float32) {
	putUint32(b, math.Float32bits(f))
}

// checksumModulus bounds both block checksums.
const checksumModulus = 10000

// hexCharSum adds the ASCII codes of the two uppercase hex digits that encode
// b.
func hexCharSum(b byte) uint32 {
	return hexChar(b>>4) + hexChar(b&0x0F)
}

func hexChar(n byte) uint32 {
	if n < 10 {
		return uint32('0' + n)
	}
	return uint32('A' + n - 10)
}

// HeaderChecksum returns the hex digit character sum of buf modulo 10000.
//
// It detects most single byte corruptions but is not a cryptographic check.
func HeaderChecksum(buf []byte) uint16 {
	var sum uint32
	for _, b := range buf {
		sum += hexCharSum(b)
	}
	return uint16(sum % checksumModulus)
}

// FloatChecksum returns the hex digit character sum of the four raw bytes of
// f. The sum does not depend on byte order.
func FloatChecksum(f float32) uint32 {
	u := math.Float32bits(f)
	return hexCharSum(byte(u)) + hexCharSum(byte(u>>8)) +
		hexCharSum(byte(u>>16)) + hexCharSum(byte(u>>24))
}
