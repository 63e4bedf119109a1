// Package lidar drives a serial-attached rotating rangefinder and reduces
// its raw angle/distance/quality samples to a per-sector minimum-distance
// array.
package lidar

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Porter is the minimal serial-port surface the driver needs. go.bug.st's
// serial.Port satisfies it; tests substitute a scripted implementation.
type Porter interface {
	io.ReadWriteCloser

	// SetDTR drives the DTR line, which gates the scan motor on this
	// device class.
	SetDTR(level bool) error

	// SetReadTimeout bounds how long a Read may block.
	SetReadTimeout(t time.Duration) error

	// ResetInputBuffer discards unread input.
	ResetInputBuffer() error

	// ResetOutputBuffer discards unsent output.
	ResetOutputBuffer() error
}

// DefaultBaudRate is the wire rate for this rangefinder class.
const DefaultBaudRate = 115200

// defaultReadTimeout bounds a single sample read so a stalled device cannot
// hang the acquisition cycle.
const defaultReadTimeout = 250 * time.Millisecond

// Open opens the rangefinder's serial port.
func Open(path string, baud int) (Porter, error) {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(defaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return port, nil
}
