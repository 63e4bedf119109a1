// Package telemetry streams the fused proximity map to the autopilot as
// per-sector distance-sensor reports.
package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"

	"github.com/terranav/fieldrover/internal/mavlink"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// DefaultRate is the outbound publish interval (10 Hz).
const DefaultRate = 100 * time.Millisecond

// sectorOrientations maps sector index to the autopilot's yaw-rotation tag,
// sector index times 45 degrees, so the autopilot's own avoidance logic can
// associate each distance with a direction.
var sectorOrientations = [proximity.NumSectors]common.MAV_SENSOR_ORIENTATION{
	common.MAV_SENSOR_ROTATION_NONE,
	common.MAV_SENSOR_ROTATION_YAW_45,
	common.MAV_SENSOR_ROTATION_YAW_90,
	common.MAV_SENSOR_ROTATION_YAW_135,
	common.MAV_SENSOR_ROTATION_YAW_180,
	common.MAV_SENSOR_ROTATION_YAW_225,
	common.MAV_SENSOR_ROTATION_YAW_270,
	common.MAV_SENSOR_ROTATION_YAW_315,
}

// Config configures a Publisher.
type Config struct {
	// Link is the autopilot link. Required.
	Link *mavlink.Link

	// Source yields fused generations. Required.
	Source proximity.Source

	// Rate is the publish interval. Default 100ms.
	Rate time.Duration

	// Tracker, when set, accumulates the outbound message count for the
	// status descriptor.
	Tracker *proximity.StatusTracker

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock

	// Logf defaults to monitoring.Logf.
	Logf func(format string, v ...interface{})
}

// Publisher converts fused generations into distance-sensor messages at a
// fixed rate. It never blocks the fusion core: a down link or missing
// generation just skips the tick.
type Publisher struct {
	cfg  Config
	boot time.Time
	sent atomic.Uint64
}

// New validates cfg and builds a Publisher.
func New(cfg Config) (*Publisher, error) {
	if cfg.Link == nil {
		return nil, errors.New("telemetry: Link is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("telemetry: Source is required")
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Logf
	}
	return &Publisher{cfg: cfg, boot: cfg.Clock.Now()}, nil
}

// Sent returns the number of distance messages sent so far.
func (p *Publisher) Sent() uint64 {
	return p.sent.Load()
}

// Run publishes at the configured rate until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := p.cfg.Clock.NewTicker(p.cfg.Rate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			if err := p.publishTick(ctx); err != nil {
				p.cfg.Logf("telemetry: %v", err)
			}
		}
	}
}

// publishTick sends one distance-sensor message per sector from the latest
// fused generation.
func (p *Publisher) publishTick(ctx context.Context) error {
	if err := p.cfg.Link.EnsureStreaming(ctx); err != nil {
		return err
	}
	fused, ok := p.cfg.Source.Latest()
	if !ok {
		return nil // nothing fused yet; not an error
	}

	bootMs := uint32(p.cfg.Clock.Since(p.boot).Milliseconds())
	for i := 0; i < proximity.NumSectors; i++ {
		msg := &common.MessageDistanceSensor{
			TimeBootMs:      bootMs,
			MinDistance:     proximity.MinDistanceCM,
			MaxDistance:     proximity.MaxDistanceCM,
			CurrentDistance: fused.Sectors[i],
			Type:            common.MAV_DISTANCE_SENSOR_LASER,
			Id:              uint8(i),
			Orientation:     sectorOrientations[i],
		}
		if err := p.cfg.Link.Send(msg); err != nil {
			return err
		}
		p.sent.Add(1)
		if p.cfg.Tracker != nil {
			p.cfg.Tracker.AddMessages(1)
		}
	}
	return nil
}
