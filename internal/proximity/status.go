package proximity

import (
	"sync"
	"time"
)

// Status is the descriptor published for external status consumers on every
// fusion tick. Dashboards and log tooling poll the atomically written copy;
// it is also the payload of the MQTT bridge.
type Status struct {
	Sectors       SectorDistance `json:"sectors_cm"`
	MinDistanceCM uint16         `json:"min_distance_cm"`
	LidarSectors  SectorDistance `json:"lidar_cm"`
	DepthSectors  SectorDistance `json:"depth_cm"`
	LidarOK       bool           `json:"lidar_ok"`
	DepthOK       bool           `json:"depth_ok"`
	Messages      uint64         `json:"messages"`
	LastError     string         `json:"last_error,omitempty"`
	GeneratedAt   time.Time      `json:"generated_at"`
}

// StatusTracker accumulates the cumulative message count and last error text
// reported alongside each fused generation.
type StatusTracker struct {
	mu        sync.Mutex
	messages  uint64
	lastError string
}

// AddMessages increments the cumulative message count.
func (t *StatusTracker) AddMessages(n uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages += n
}

// SetError records the most recent error text. A nil error is ignored so the
// last failure stays visible for polling consumers.
func (t *StatusTracker) SetError(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastError = err.Error()
}

// Build assembles a Status from a fused generation and the fuser's raw
// per-source arrays.
func (t *StatusTracker) Build(f *Fuser, fused FusedProximity) Status {
	lidar, depth := f.Raw()
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Sectors:       fused.Sectors,
		MinDistanceCM: fused.Sectors.Min(),
		LidarSectors:  lidar,
		DepthSectors:  depth,
		LidarOK:       fused.LidarOK,
		DepthOK:       fused.DepthOK,
		Messages:      t.messages,
		LastError:     t.lastError,
		GeneratedAt:   fused.GeneratedAt,
	}
}
