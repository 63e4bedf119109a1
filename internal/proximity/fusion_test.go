package proximity

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/terranav/fieldrover/internal/timeutil"
)

func newTestFuser() (*Fuser, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	return NewFuser(FuserConfig{Clock: clock}), clock
}

func TestFusionForwardTakesMinimum(t *testing.T) {
	f, _ := newTestFuser()

	lidar := Unknown()
	lidar[SectorFront] = 100
	depth := Unknown()
	depth[SectorFront] = 50
	f.SetLidar(lidar)
	f.SetDepth(depth)

	fused := f.PublishTick()
	if fused.Sectors[SectorFront] != 50 {
		t.Errorf("front = %d, want 50 (min of both)", fused.Sectors[SectorFront])
	}
	if !fused.LidarOK || !fused.DepthOK {
		t.Errorf("availability = %v/%v, want true/true", fused.LidarOK, fused.DepthOK)
	}

	// Symmetric case: LiDAR closer than depth.
	lidar[SectorFront] = 30
	f.SetLidar(lidar)
	if fused := f.PublishTick(); fused.Sectors[SectorFront] != 30 {
		t.Errorf("front = %d, want 30", fused.Sectors[SectorFront])
	}
}

func TestFusionSidePrefersLidar(t *testing.T) {
	f, _ := newTestFuser()

	lidar := Unknown()
	lidar[SectorRight] = 50
	f.SetLidar(lidar)
	f.SetDepth(Unknown()) // depth reports nothing for side sectors

	fused := f.PublishTick()
	if fused.Sectors[SectorRight] != 50 {
		t.Errorf("side = %d, want 50 from lidar", fused.Sectors[SectorRight])
	}
}

func TestFusionDepthOnlyDegradation(t *testing.T) {
	f, clock := newTestFuser()

	depth := Unknown()
	depth[SectorFront] = 200
	f.SetDepth(depth)

	fused := f.PublishTick()
	if fused.LidarOK {
		t.Error("lidar reported available with no reading")
	}
	if fused.Sectors[SectorFront] != 200 {
		t.Errorf("front = %d, want 200 from depth", fused.Sectors[SectorFront])
	}

	// Depth ages out of the freshness window; a stalled source must look the
	// same as a disconnected one.
	clock.Advance(2 * time.Second)
	fused = f.PublishTick()
	if fused.DepthOK {
		t.Error("stale depth still reported available")
	}
	if fused.Sectors[SectorFront] != MaxDistanceCM {
		t.Errorf("stale depth value leaked into fused map: %d", fused.Sectors[SectorFront])
	}
}

func TestFusionFullReplacement(t *testing.T) {
	f, clock := newTestFuser()

	lidar := Unknown()
	lidar[SectorRearLeft] = 80
	f.SetLidar(lidar)
	f.PublishTick()

	// The LiDAR stops reporting; its old sector must not stick around.
	clock.Advance(3 * time.Second)
	fused := f.PublishTick()
	if fused.Sectors[SectorRearLeft] != MaxDistanceCM {
		t.Errorf("sector stuck at %d after source went stale", fused.Sectors[SectorRearLeft])
	}
}

func TestFusionIdempotent(t *testing.T) {
	f, _ := newTestFuser()

	lidar := Unknown()
	lidar[SectorFront] = 140
	lidar[SectorLeft] = 310
	depth := Unknown()
	depth[SectorFrontRight] = 95
	f.SetLidar(lidar)
	f.SetDepth(depth)

	a := f.PublishTick()
	b := f.PublishTick()
	a.GeneratedAt = time.Time{}
	b.GeneratedAt = time.Time{}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("repeated tick with unchanged inputs differs (-first +second):\n%s", diff)
	}
}

func TestSnapshotMatchesPublish(t *testing.T) {
	f, _ := newTestFuser()
	lidar := Unknown()
	lidar[SectorRear] = 60
	f.SetLidar(lidar)

	fused := f.PublishTick()
	snap := f.Snapshot()
	if diff := cmp.Diff(fused, snap); diff != "" {
		t.Errorf("snapshot differs from published value:\n%s", diff)
	}
	if f.Ticks() != 1 {
		t.Errorf("Ticks = %d, want 1", f.Ticks())
	}
}

func TestStatusTracker(t *testing.T) {
	f, _ := newTestFuser()
	lidar := Unknown()
	lidar[SectorFront] = 75
	f.SetLidar(lidar)
	fused := f.PublishTick()

	var tr StatusTracker
	tr.AddMessages(16)
	tr.SetError(nil) // must not clear or record anything
	st := tr.Build(f, fused)

	if st.MinDistanceCM != 75 {
		t.Errorf("MinDistanceCM = %d, want 75", st.MinDistanceCM)
	}
	if st.Messages != 16 {
		t.Errorf("Messages = %d, want 16", st.Messages)
	}
	if st.LastError != "" {
		t.Errorf("LastError = %q, want empty", st.LastError)
	}
	if st.LidarSectors[SectorFront] != 75 {
		t.Errorf("raw lidar array not carried into status")
	}
}
