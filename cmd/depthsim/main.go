// Command depthsim stands in for the camera service on the bench. It
// writes synthetic depth frames in the camera's artifact format: a flat
// wall at a fixed distance with an obstacle sweeping across the field of
// view.
package main

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log"
	"math"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/terranav/fieldrover/internal/depth"
	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/timeutil"
)

var (
	dir        = flag.String("dir", "/var/run/fieldrover/camera", "Frame output directory")
	width      = flag.Int("width", 424, "Frame width in pixels")
	height     = flag.Int("height", 240, "Frame height in pixels")
	wallMM     = flag.Int("wall", 4000, "Wall distance in millimeters")
	obstacleMM = flag.Int("obstacle", 900, "Obstacle distance in millimeters")
	rate       = flag.Duration("rate", 100*time.Millisecond, "Frame interval")
	sweepSec   = flag.Float64("sweep", 8.0, "Seconds per obstacle sweep across the frame")
)

type frameWriter struct {
	fs    fsutil.FileSystem
	clock timeutil.Clock
	dir   string
	num   uint64
}

// write emits one frame pair: grid first, metadata last so a reader never
// sees metadata pointing at a half-written grid.
func (w *frameWriter) write(grid []uint16) error {
	buf := make([]byte, len(grid)*2)
	for i, v := range grid {
		binary.LittleEndian.PutUint16(buf[i*2:], v)
	}
	if err := w.fs.WriteFileAtomic(filepath.Join(w.dir, depth.DefaultBinName), buf, 0o644); err != nil {
		return err
	}

	w.num++
	meta := depth.Metadata{
		Width:     *width,
		Height:    *height,
		Frame:     w.num,
		Timestamp: float64(w.clock.Now().UnixNano()) / float64(time.Second),
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return w.fs.WriteFileAtomic(filepath.Join(w.dir, depth.DefaultMetaName), data, 0o644)
}

// scene paints the wall and a vertical obstacle band whose horizontal
// position follows a sine sweep.
func scene(t time.Time) []uint16 {
	grid := make([]uint16, *width**height)
	for i := range grid {
		grid[i] = uint16(*wallMM)
	}

	phase := float64(t.UnixNano()) / float64(time.Second) * 2 * math.Pi / *sweepSec
	center := int((math.Sin(phase) + 1) / 2 * float64(*width-1))
	band := *width / 10
	for y := 0; y < *height; y++ {
		for x := center - band/2; x <= center+band/2; x++ {
			if x >= 0 && x < *width {
				grid[y**width+x] = uint16(*obstacleMM)
			}
		}
	}
	return grid
}

func main() {
	flag.Parse()

	fs := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}
	if err := fs.MkdirAll(*dir, 0o755); err != nil {
		log.Fatalf("failed to create frame dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &frameWriter{fs: fs, clock: clock, dir: *dir}
	ticker := clock.NewTicker(*rate)
	defer ticker.Stop()

	monitoring.Logf("depthsim: writing %dx%d frames to %s every %v", *width, *height, *dir, *rate)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("depthsim: shut down")
			return
		case <-ticker.C():
			if err := w.write(scene(clock.Now())); err != nil {
				monitoring.Logf("depthsim: frame write failed: %v", err)
			}
		}
	}
}
