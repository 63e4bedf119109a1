package lidar

import (
	"fmt"
	"time"
)

// Device wraps one rangefinder serial connection with the command protocol.
// It is not safe for concurrent use; the Acquirer is its only caller.
type Device struct {
	port Porter
}

// NewDevice wraps an open port.
func NewDevice(port Porter) *Device {
	return &Device{port: port}
}

// Flush discards both device buffers. Done before every scan cycle; this
// device class desynchronizes its byte stream after USB latency spikes and a
// flush is the only reliable way back to a known state.
func (d *Device) Flush() error {
	if err := d.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	if err := d.port.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("reset output buffer: %w", err)
	}
	return nil
}

// StartMotor spins up the scan motor. The motor control line is active-low
// behind the DTR signal on the USB adapter.
func (d *Device) StartMotor() error {
	if err := d.port.SetDTR(false); err != nil {
		return fmt.Errorf("start motor: %w", err)
	}
	return nil
}

// StopMotor stops the scan motor. Called between cycles to limit buffer
// growth, and before disconnecting: a still-spinning head left unmanaged
// after process exit is a hardware-stability hazard.
func (d *Device) StopMotor() error {
	if err := d.port.SetDTR(true); err != nil {
		return fmt.Errorf("stop motor: %w", err)
	}
	return nil
}

// StartScan requests a scan and verifies the response descriptor.
func (d *Device) StartScan() error {
	if err := d.command(cmdScan); err != nil {
		return err
	}
	desc := make([]byte, descLen)
	if err := d.readFull(desc); err != nil {
		return fmt.Errorf("read scan descriptor: %w", err)
	}
	if !validDescriptor(desc, scanType) {
		return fmt.Errorf("%w: % x", errBadDescriptor, desc)
	}
	return nil
}

// StopScan asks the device to stop streaming samples.
func (d *Device) StopScan() error {
	return d.command(cmdStop)
}

// Reset issues a soft reboot of the device.
func (d *Device) Reset() error {
	return d.command(cmdReset)
}

// ReadSample reads and decodes the next 5-byte sample node.
func (d *Device) ReadSample() (RawSample, error) {
	buf := make([]byte, sampleLen)
	if err := d.readFull(buf); err != nil {
		return RawSample{}, err
	}
	return parseSample(buf)
}

// Close stops the motor and closes the port.
func (d *Device) Close() error {
	stopErr := d.StopMotor()
	if err := d.port.Close(); err != nil {
		return err
	}
	return stopErr
}

func (d *Device) command(op byte) error {
	if _, err := d.port.Write([]byte{cmdSync, op}); err != nil {
		return fmt.Errorf("send command %#x: %w", op, err)
	}
	return nil
}

// readFull fills buf, treating a zero-byte read as a timeout. The serial
// layer returns (0, nil) when its read timeout expires, so plain io.ReadFull
// would spin forever against a stalled device.
func (d *Device) readFull(buf []byte) error {
	off := 0
	for off < len(buf) {
		n, err := d.port.Read(buf[off:])
		if err != nil {
			return err
		}
		if n == 0 {
			return errReadTimeout
		}
		off += n
	}
	return nil
}

// settleDelay is how long the device needs after a stop command before it
// accepts the next one.
const settleDelay = 10 * time.Millisecond
