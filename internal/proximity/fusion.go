package proximity

import (
	"sync"
	"time"

	"github.com/terranav/fieldrover/internal/timeutil"
)

// DefaultFreshWindow is how recently a source must have reported for its
// reading to participate in a fusion tick. A connected-but-stalled sensor
// ages out of this window and is treated the same as a disconnected one.
const DefaultFreshWindow = 1 * time.Second

// FuserConfig configures a Fuser.
type FuserConfig struct {
	// FreshWindow bounds the age of a source reading considered live.
	// Defaults to DefaultFreshWindow.
	FreshWindow time.Duration

	// Clock is the time source. Defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

type sourceReading struct {
	sectors SectorDistance
	at      time.Time
}

func (r sourceReading) fresh(clock timeutil.Clock, window time.Duration) bool {
	return !r.at.IsZero() && clock.Since(r.at) <= window
}

// Fuser owns the shared proximity state. The LiDAR and depth acquisition
// loops are the only writers of their respective arrays; everyone else reads
// through Snapshot. All methods are safe for concurrent use.
type Fuser struct {
	clock  timeutil.Clock
	window time.Duration

	mu        sync.Mutex
	lidar     sourceReading
	depth     sourceReading
	published FusedProximity
	ticks     uint64
}

// NewFuser creates a Fuser with no sensor readings; until a source reports,
// every published sector is MaxDistanceCM.
func NewFuser(cfg FuserConfig) *Fuser {
	if cfg.FreshWindow <= 0 {
		cfg.FreshWindow = DefaultFreshWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Fuser{
		clock:     cfg.Clock,
		window:    cfg.FreshWindow,
		published: FusedProximity{Sectors: Unknown()},
	}
}

// SetLidar records a completed LiDAR scan cycle.
func (f *Fuser) SetLidar(s SectorDistance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lidar = sourceReading{sectors: s, at: f.clock.Now()}
}

// SetDepth records a reduced depth frame.
func (f *Fuser) SetDepth(s SectorDistance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.depth = sourceReading{sectors: s, at: f.clock.Now()}
}

// PublishTick merges the current source readings and replaces the published
// proximity map. It never waits on a sensor: sources that have not reported
// within the freshness window are excluded from the merge.
func (f *Fuser) PublishTick() FusedProximity {
	f.mu.Lock()
	defer f.mu.Unlock()

	lidarOK := f.lidar.fresh(f.clock, f.window)
	depthOK := f.depth.fresh(f.clock, f.window)

	fused := FusedProximity{
		Sectors:     merge(f.lidar.sectors, f.depth.sectors, lidarOK, depthOK),
		GeneratedAt: f.clock.Now(),
		LidarOK:     lidarOK,
		DepthOK:     depthOK,
	}
	f.published = fused
	f.ticks++
	return fused
}

// merge applies the directional priority policy: forward sectors take the
// minimum of both sources when both are live (the depth camera is the primary
// forward sensor but a closer LiDAR return always wins); every other sector
// prefers LiDAR and falls back to depth only when LiDAR has no reading.
func merge(lidar, depth SectorDistance, lidarOK, depthOK bool) SectorDistance {
	out := Unknown()
	for i := range out {
		l, d := uint16(MaxDistanceCM), uint16(MaxDistanceCM)
		if lidarOK {
			l = lidar[i]
		}
		if depthOK {
			d = depth[i]
		}
		if isForward(i) {
			if d < l {
				out[i] = d
			} else {
				out[i] = l
			}
			continue
		}
		if l < MaxDistanceCM {
			out[i] = l
		} else {
			out[i] = d
		}
	}
	return out
}

func isForward(sector int) bool {
	for _, s := range ForwardSectors {
		if sector == s {
			return true
		}
	}
	return false
}

// Snapshot returns the most recently published proximity map.
func (f *Fuser) Snapshot() FusedProximity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.published
}

// Ticks returns the number of publish ticks completed so far.
func (f *Fuser) Ticks() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ticks
}

// Raw returns the latest per-source sector arrays regardless of freshness,
// for status reporting.
func (f *Fuser) Raw() (lidar, depth SectorDistance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lidar.sectors, f.depth.sectors
}
