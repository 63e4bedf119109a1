package lidar

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/terranav/fieldrover/internal/health"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// Sink receives completed scan cycles. *proximity.Fuser satisfies it.
type Sink interface {
	SetLidar(proximity.SectorDistance)
}

// Opener produces a connected port. Injected so tests and reconnects can
// fully reconstruct the device handle.
type Opener func() (Porter, error)

// AcquirerConfig configures the acquisition loop.
type AcquirerConfig struct {
	// Open connects to the device. Required.
	Open Opener

	// Sink receives each completed sector array. Required.
	Sink Sink

	// QualityThreshold rejects samples at or below this quality. Default 10.
	QualityThreshold int

	// CycleWindow bounds the wall time of one scan cycle. Default 1s.
	CycleWindow time.Duration

	// MaxSamples bounds the raw samples consumed in one cycle. Default 200.
	MaxSamples int

	// CyclePause is the idle time between cycles. Default 50ms.
	CyclePause time.Duration

	// MaxConsecutiveErrors triggers a full reconnect once reached. Default 8.
	MaxConsecutiveErrors int

	// ReconnectDelay is slept before reopening the device. Default 2s.
	ReconnectDelay time.Duration

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock

	// Logf defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

func (c *AcquirerConfig) applyDefaults() {
	if c.QualityThreshold == 0 {
		c.QualityThreshold = 10
	}
	if c.CycleWindow <= 0 {
		c.CycleWindow = time.Second
	}
	if c.MaxSamples <= 0 {
		c.MaxSamples = 200
	}
	if c.CyclePause <= 0 {
		c.CyclePause = 50 * time.Millisecond
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = 8
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	if c.Logf == nil {
		c.Logf = monitoring.Logf
	}
}

// Acquirer owns the rangefinder and runs the self-paced scan loop. The
// rangefinder is a best-effort sensor: total acquisition failure degrades
// fusion to depth-only and is never fatal.
type Acquirer struct {
	cfg    AcquirerConfig
	dev    *Device
	health health.Tracker
}

// NewAcquirer validates cfg and builds an Acquirer.
func NewAcquirer(cfg AcquirerConfig) (*Acquirer, error) {
	if cfg.Open == nil {
		return nil, errors.New("lidar: Open is required")
	}
	if cfg.Sink == nil {
		return nil, errors.New("lidar: Sink is required")
	}
	cfg.applyDefaults()
	return &Acquirer{cfg: cfg}, nil
}

// Health returns the subsystem's health snapshot.
func (a *Acquirer) Health() health.Health {
	return a.health.Snapshot()
}

// Run drives scan cycles until ctx is cancelled. Each cycle publishes a full
// sector array into the sink; I/O errors increment the consecutive-error
// counter and, once the bound is hit, force a disconnect and a full handle
// reconstruction after a short delay.
func (a *Acquirer) Run(ctx context.Context) error {
	defer a.disconnect()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.dev == nil {
			if err := a.connect(ctx); err != nil {
				return err
			}
		}

		sectors, err := a.acquireCycle()
		if err != nil {
			n := a.health.Fail()
			a.cfg.Logf("lidar: scan cycle failed (%d consecutive): %v", n, err)
			if n >= a.cfg.MaxConsecutiveErrors {
				a.cfg.Logf("lidar: error bound reached, reconstructing device handle")
				a.disconnect()
				a.health.ResetErrors()
				if !sleepCtx(ctx, a.cfg.Clock, a.cfg.ReconnectDelay) {
					return ctx.Err()
				}
			}
			continue
		}

		a.health.Success(a.cfg.Clock.Now())
		a.cfg.Sink.SetLidar(sectors)

		if !sleepCtx(ctx, a.cfg.Clock, a.cfg.CyclePause) {
			return ctx.Err()
		}
	}
}

// connect opens the device, retrying with a delay until it succeeds or ctx
// is cancelled.
func (a *Acquirer) connect(ctx context.Context) error {
	a.health.SetState(health.Connecting)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		port, err := a.cfg.Open()
		if err == nil {
			a.dev = NewDevice(port)
			a.health.SetState(health.Connected)
			a.cfg.Logf("lidar: connected")
			return nil
		}
		a.cfg.Logf("lidar: connect failed: %v", err)
		if !sleepCtx(ctx, a.cfg.Clock, a.cfg.ReconnectDelay) {
			return ctx.Err()
		}
	}
}

func (a *Acquirer) disconnect() {
	if a.dev == nil {
		return
	}
	if err := a.dev.Close(); err != nil {
		a.cfg.Logf("lidar: close: %v", err)
	}
	a.dev = nil
	a.health.SetState(health.Disconnected)
}

// acquireCycle runs one bounded scan: flush, spin up, collect, bin, spin
// down. The cycle is both time-boxed and sample-count-boxed so it terminates
// even if the device stalls mid-stream.
func (a *Acquirer) acquireCycle() (proximity.SectorDistance, error) {
	sectors := proximity.Unknown()

	if err := a.dev.Flush(); err != nil {
		return sectors, err
	}
	if err := a.dev.StartMotor(); err != nil {
		return sectors, err
	}
	defer a.dev.StopMotor()

	if err := a.dev.StartScan(); err != nil {
		return sectors, err
	}
	defer func() {
		a.dev.StopScan()
		a.cfg.Clock.Sleep(settleDelay)
	}()

	deadline := a.cfg.Clock.Now().Add(a.cfg.CycleWindow)
	for n := 0; n < a.cfg.MaxSamples && a.cfg.Clock.Now().Before(deadline); n++ {
		s, err := a.dev.ReadSample()
		if err != nil {
			return sectors, err
		}
		if !s.Valid(a.cfg.QualityThreshold) {
			continue
		}
		cm := int(math.Round(s.DistanceMM / 10))
		sectors.Observe(proximity.SectorForAngle(s.AngleDeg), cm)
	}
	return sectors, nil
}

// sleepCtx sleeps for d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, clock timeutil.Clock, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}
