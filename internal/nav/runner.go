package nav

import (
	"context"
	"errors"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/terranav/fieldrover/internal/mavlink"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// Default runner timing. Overrides are resent every tick so the autopilot's
// RC failsafe never fires while the loop is alive.
const (
	DefaultRate           = 100 * time.Millisecond
	DefaultHeartbeatEvery = time.Second
)

// DriveLog persists the generations the control loop consumes and the
// commands it sends. *recorder.DB satisfies it.
type DriveLog interface {
	RecordProximity(p proximity.FusedProximity) error
	RecordCommand(steeringPWM, throttlePWM int) error
}

// RunnerConfig wires the controller to an autopilot link and a proximity
// source.
type RunnerConfig struct {
	Link       *mavlink.Link
	Source     proximity.Source
	Controller *Controller

	// Recorder, when set, receives every consumed generation and every
	// delivered command.
	Recorder DriveLog

	// Rate is the control tick interval.
	Rate time.Duration

	// HeartbeatEvery is the interval between our own heartbeats on the
	// link.
	HeartbeatEvery time.Duration

	// SteeringChannel and ThrottleChannel are 1-based RC channel numbers.
	// Defaults are 1 (steering) and 3 (throttle).
	SteeringChannel int
	ThrottleChannel int

	Clock timeutil.Clock
	Logf  func(string, ...interface{})
}

// Runner drives the control loop: one command per tick, full stop on the
// way out.
type Runner struct {
	cfg           RunnerConfig
	lastHeartbeat time.Time
}

// NewRunner validates the config and builds a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Link == nil {
		return nil, errors.New("nav: link is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("nav: proximity source is required")
	}
	if cfg.Controller == nil {
		return nil, errors.New("nav: controller is required")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultHeartbeatEvery
	}
	if cfg.SteeringChannel < 1 || cfg.SteeringChannel > 8 {
		cfg.SteeringChannel = 1
	}
	if cfg.ThrottleChannel < 1 || cfg.ThrottleChannel > 8 {
		cfg.ThrottleChannel = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Logf
	}
	return &Runner{cfg: cfg}, nil
}

// Run executes the control loop until ctx is cancelled. A full stop is
// sent before returning so the rover never keeps rolling on the last live
// command.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.cfg.Clock.NewTicker(r.cfg.Rate)
	defer ticker.Stop()

	defer func() {
		if err := r.sendCommand(r.cfg.Controller.FullStop()); err != nil {
			r.cfg.Logf("nav: shutdown full stop not delivered: %v", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if !r.cfg.Link.Healthy() {
		// Fail safe before reconnecting: the autopilot may still be
		// listening even though our heartbeat watch tripped.
		if err := r.sendCommand(r.cfg.Controller.FullStop()); err != nil {
			r.cfg.Logf("nav: pre-reconnect full stop not delivered: %v", err)
		}
		r.cfg.Controller.Reset()
		if err := r.cfg.Link.EnsureStreaming(ctx); err != nil {
			r.cfg.Logf("nav: autopilot link unavailable: %v", err)
			return
		}
	}

	cmd := r.cfg.Controller.FullStop()
	if p, ok := r.cfg.Source.Latest(); ok {
		cmd = r.cfg.Controller.Compute(p)
		if r.cfg.Recorder != nil {
			if err := r.cfg.Recorder.RecordProximity(p); err != nil {
				r.cfg.Logf("nav: drive log proximity write failed: %v", err)
			}
		}
	}
	if err := r.sendCommand(cmd); err != nil {
		r.cfg.Logf("nav: command send failed: %v", err)
		return
	}

	if r.cfg.Clock.Since(r.lastHeartbeat) >= r.cfg.HeartbeatEvery {
		if err := r.cfg.Link.SendHeartbeat(); err != nil {
			r.cfg.Logf("nav: heartbeat send failed: %v", err)
			return
		}
		r.lastHeartbeat = r.cfg.Clock.Now()
	}
}

// sendCommand maps the command onto RC channels and sends the override.
// Channels the rover does not own stay zero, which releases them back to
// the transmitter.
func (r *Runner) sendCommand(cmd Command) error {
	var chans [8]uint16
	chans[r.cfg.SteeringChannel-1] = uint16(cmd.SteeringPWM)
	chans[r.cfg.ThrottleChannel-1] = uint16(cmd.ThrottlePWM)

	err := r.cfg.Link.Send(&common.MessageRcChannelsOverride{
		TargetSystem:    r.cfg.Link.TargetSystem(),
		TargetComponent: 1,
		Chan1Raw:        chans[0],
		Chan2Raw:        chans[1],
		Chan3Raw:        chans[2],
		Chan4Raw:        chans[3],
		Chan5Raw:        chans[4],
		Chan6Raw:        chans[5],
		Chan7Raw:        chans[6],
		Chan8Raw:        chans[7],
	})
	if err != nil {
		return err
	}
	if r.cfg.Recorder != nil {
		if logErr := r.cfg.Recorder.RecordCommand(cmd.SteeringPWM, cmd.ThrottlePWM); logErr != nil {
			r.cfg.Logf("nav: drive log command write failed: %v", logErr)
		}
	}
	return nil
}
