package lidar

import (
	"errors"
	"fmt"
)

// Wire protocol constants for the A1-class rotating rangefinder. Commands
// are two bytes (sync + opcode); the device answers a scan request with a
// 7-byte response descriptor followed by a stream of 5-byte sample nodes.
const (
	cmdSync    = 0xA5
	cmdStop    = 0x25
	cmdReset   = 0x40
	cmdScan    = 0x20
	cmdHealth  = 0x52
	descSync   = 0x5A
	descLen    = 7
	sampleLen  = 5
	scanType   = 0x81 // data type byte of the scan response descriptor
	healthType = 0x06
)

var (
	errBadDescriptor = errors.New("bad response descriptor")
	errBadSample     = errors.New("sample check bits invalid")
	errReadTimeout   = errors.New("serial read timed out")
)

// RawSample is one measurement from the spinning head.
type RawSample struct {
	// AngleDeg is the head angle in degrees, 0 = device forward,
	// increasing clockwise.
	AngleDeg float64

	// DistanceMM is the measured range in millimeters; 0 means no return.
	DistanceMM float64

	// Quality is the return signal quality (0-63).
	Quality int

	// StartFlag marks the first sample of a new revolution.
	StartFlag bool
}

// Valid reports whether the sample carries a usable measurement under the
// given quality threshold.
func (s RawSample) Valid(qualityThreshold int) bool {
	return s.Quality > qualityThreshold && s.DistanceMM > 0
}

// parseSample decodes a 5-byte sample node.
//
// Byte 0 packs the quality (6 bits) over a start flag and its inverse; byte 1
// carries the low angle bits over a fixed check bit. The redundant flag pair
// and check bit let us detect byte-stream desynchronization, which this
// device class is prone to after USB latency spikes.
func parseSample(b []byte) (RawSample, error) {
	if len(b) < sampleLen {
		return RawSample{}, fmt.Errorf("sample truncated: %d bytes", len(b))
	}
	start := b[0]&0x01 != 0
	invStart := b[0]&0x02 != 0
	if start == invStart {
		return RawSample{}, errBadSample
	}
	if b[1]&0x01 != 1 {
		return RawSample{}, errBadSample
	}

	angleQ6 := uint16(b[2])<<7 | uint16(b[1])>>1
	distQ2 := uint16(b[4])<<8 | uint16(b[3])

	return RawSample{
		AngleDeg:   float64(angleQ6) / 64.0,
		DistanceMM: float64(distQ2) / 4.0,
		Quality:    int(b[0] >> 2),
		StartFlag:  start,
	}, nil
}

// validDescriptor checks a 7-byte response descriptor against the expected
// data type.
func validDescriptor(b []byte, dataType byte) bool {
	return len(b) >= descLen && b[0] == cmdSync && b[1] == descSync && b[descLen-1] == dataType
}
