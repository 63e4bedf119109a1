package proximity

import (
	"testing"
	"time"

	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/timeutil"
)

func TestFuserLatest(t *testing.T) {
	f, _ := newTestFuser()
	if _, ok := f.Latest(); ok {
		t.Error("Latest reported ok before first publish tick")
	}
	f.PublishTick()
	if _, ok := f.Latest(); !ok {
		t.Error("Latest not ok after publish tick")
	}
}

func TestArtifactRoundTrip(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	clock := timeutil.NewMockClock(time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC))
	path := "/run/rover/" + ArtifactName

	w := NewArtifactWriter(fs, clock, path)
	src := NewArtifactSource(fs, clock, path, time.Second)

	if _, ok := src.Latest(); ok {
		t.Error("source ok with no artifact")
	}

	fused := FusedProximity{Sectors: Unknown(), GeneratedAt: clock.Now(), LidarOK: true}
	fused.Sectors[SectorFront] = 180
	if err := w.Write(fused); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, ok := src.Latest()
	if !ok {
		t.Fatal("source not ok after write")
	}
	if got.Sectors[SectorFront] != 180 || !got.LidarOK {
		t.Errorf("got %+v", got)
	}

	// Repeated polls of the same generation keep succeeding while fresh.
	if _, ok := src.Latest(); !ok {
		t.Error("repeated poll of fresh artifact failed")
	}

	// An aged-out artifact yields ok=false.
	clock.Advance(2 * time.Second)
	if _, ok := src.Latest(); ok {
		t.Error("aged artifact still ok")
	}
}
