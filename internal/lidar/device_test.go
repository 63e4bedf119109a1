package lidar

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakePort is a scripted Porter. Reads drain the read buffer; an empty
// buffer simulates a read timeout (zero-byte read).
type fakePort struct {
	mu       sync.Mutex
	read     bytes.Buffer
	written  bytes.Buffer
	dtr      []bool
	closed   bool
	flushes  int
	writeErr error
}

func (f *fakePort) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.read.Len() == 0 {
		return 0, nil // timeout per the serial layer's contract
	}
	return f.read.Read(p)
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.written.Write(p)
}

func (f *fakePort) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePort) SetDTR(level bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dtr = append(f.dtr, level)
	return nil
}

func (f *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (f *fakePort) ResetInputBuffer() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakePort) ResetOutputBuffer() error { return nil }

func (f *fakePort) feed(b []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read.Write(b)
}

var scanDescriptor = []byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x81}

func TestDeviceStartScan(t *testing.T) {
	port := &fakePort{}
	port.feed(scanDescriptor)
	dev := NewDevice(port)

	if err := dev.StartScan(); err != nil {
		t.Fatalf("StartScan: %v", err)
	}
	if got := port.written.Bytes(); !bytes.Equal(got, []byte{cmdSync, cmdScan}) {
		t.Errorf("command bytes = % x", got)
	}
}

func TestDeviceStartScanBadDescriptor(t *testing.T) {
	port := &fakePort{}
	port.feed([]byte{0xA5, 0x5A, 0x05, 0x00, 0x00, 0x40, 0x06})
	dev := NewDevice(port)

	if err := dev.StartScan(); !errors.Is(err, errBadDescriptor) {
		t.Errorf("err = %v, want errBadDescriptor", err)
	}
}

func TestDeviceStartScanTimeout(t *testing.T) {
	dev := NewDevice(&fakePort{}) // nothing to read
	if err := dev.StartScan(); !errors.Is(err, errReadTimeout) {
		t.Errorf("err = %v, want errReadTimeout", err)
	}
}

func TestDeviceReadSample(t *testing.T) {
	port := &fakePort{}
	port.feed(buildSample(45, 2000, 30, false))
	dev := NewDevice(port)

	s, err := dev.ReadSample()
	if err != nil {
		t.Fatalf("ReadSample: %v", err)
	}
	if s.DistanceMM != 2000 {
		t.Errorf("DistanceMM = %v", s.DistanceMM)
	}
}

func TestDeviceMotorControl(t *testing.T) {
	port := &fakePort{}
	dev := NewDevice(port)

	if err := dev.StartMotor(); err != nil {
		t.Fatal(err)
	}
	if err := dev.StopMotor(); err != nil {
		t.Fatal(err)
	}
	// Motor line is active-low behind DTR.
	if len(port.dtr) != 2 || port.dtr[0] != false || port.dtr[1] != true {
		t.Errorf("DTR transitions = %v, want [false true]", port.dtr)
	}
}

func TestDeviceCloseStopsMotor(t *testing.T) {
	port := &fakePort{}
	dev := NewDevice(port)

	if err := dev.Close(); err != nil {
		t.Fatal(err)
	}
	if !port.closed {
		t.Error("port not closed")
	}
	if len(port.dtr) != 1 || port.dtr[0] != true {
		t.Errorf("expected motor stop before close, DTR = %v", port.dtr)
	}
}
