// Package depth reads depth frames published by the external camera service
// and reduces three forward-facing regions to per-sector closest-obstacle
// distances.
//
// The package never opens the camera itself. Exactly one process owns the
// device and publishes frames through the filesystem; everyone else reads
// those files. That single-writer rule is what keeps this design clear of
// the "device busy" failures that plague multi-consumer camera access.
package depth

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// Default file names within the frame directory.
const (
	DefaultBinName  = "depth.bin"
	DefaultMetaName = "depth.json"
)

// Defaults for the valid-depth window and the noise-rejecting percentile.
const (
	DefaultMinDepthMM = 200
	DefaultMaxDepthMM = 25000
	DefaultPercentile = 0.05
	DefaultMaxAge     = 1500 * time.Millisecond
)

// ErrUnavailable means no usable frame exists: files missing, metadata
// malformed, frame stale, or frame already consumed. Callers treat all of
// these identically.
var ErrUnavailable = errors.New("depth frame unavailable")

// Frame is one depth capture: a width x height grid of millimeter depths.
type Frame struct {
	Width     int
	Height    int
	Number    uint64
	Timestamp time.Time
	Data      []uint16
}

// At returns the depth at (x, y) in millimeters.
func (f *Frame) At(x, y int) uint16 {
	return f.Data[y*f.Width+x]
}

// Metadata is the sidecar descriptor the camera service writes next to each
// frame. Timestamp is seconds since the epoch, fractional.
type Metadata struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Frame     uint64  `json:"frame"`
	Timestamp float64 `json:"timestamp"`
}

// Config configures a Reader.
type Config struct {
	// Dir is the frame directory written by the camera service. Required.
	Dir string

	// BinName and MetaName override the default file names.
	BinName  string
	MetaName string

	// MaxAge bounds frame age before it is treated as absent.
	MaxAge time.Duration

	// MinDepthMM and MaxDepthMM bound plausible depths; values outside are
	// discarded before the percentile filter.
	MinDepthMM int
	MaxDepthMM int

	// Percentile picks the "closest obstacle" within a region. A low
	// percentile instead of the minimum filters single-pixel noise.
	Percentile float64

	// FS defaults to the OS filesystem.
	FS fsutil.FileSystem

	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

func (c *Config) applyDefaults() {
	if c.BinName == "" {
		c.BinName = DefaultBinName
	}
	if c.MetaName == "" {
		c.MetaName = DefaultMetaName
	}
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.MinDepthMM <= 0 {
		c.MinDepthMM = DefaultMinDepthMM
	}
	if c.MaxDepthMM <= 0 {
		c.MaxDepthMM = DefaultMaxDepthMM
	}
	if c.Percentile <= 0 {
		c.Percentile = DefaultPercentile
	}
	if c.FS == nil {
		c.FS = fsutil.OSFileSystem{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
}

// Reader consumes frames from the camera service's output directory. Safe
// for concurrent use.
type Reader struct {
	cfg Config

	mu           sync.Mutex
	lastConsumed uint64
}

// NewReader builds a Reader over the given frame directory.
func NewReader(cfg Config) (*Reader, error) {
	if cfg.Dir == "" {
		return nil, errors.New("depth: Dir is required")
	}
	cfg.applyDefaults()
	return &Reader{cfg: cfg}, nil
}

// ReadLatest returns the newest unconsumed frame, or ErrUnavailable. A frame
// older than MaxAge or repeating the last consumed frame number is stale and
// reported as absent, never as a zero-distance reading.
func (r *Reader) ReadLatest() (*Frame, error) {
	metaRaw, err := r.cfg.FS.ReadFile(filepath.Join(r.cfg.Dir, r.cfg.MetaName))
	if err != nil {
		return nil, ErrUnavailable
	}
	var meta Metadata
	if err := json.Unmarshal(metaRaw, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrUnavailable, err)
	}
	if meta.Width <= 0 || meta.Height <= 0 {
		return nil, fmt.Errorf("%w: metadata reports %dx%d grid", ErrUnavailable, meta.Width, meta.Height)
	}

	sec, frac := math.Modf(meta.Timestamp)
	captured := time.Unix(int64(sec), int64(frac*1e9))
	if r.cfg.Clock.Since(captured) > r.cfg.MaxAge {
		return nil, fmt.Errorf("%w: frame %d aged out", ErrUnavailable, meta.Frame)
	}

	r.mu.Lock()
	already := meta.Frame <= r.lastConsumed
	r.mu.Unlock()
	if already {
		return nil, fmt.Errorf("%w: frame %d already consumed", ErrUnavailable, meta.Frame)
	}

	raw, err := r.cfg.FS.ReadFile(filepath.Join(r.cfg.Dir, r.cfg.BinName))
	if err != nil {
		return nil, ErrUnavailable
	}
	want := meta.Width * meta.Height * 2
	if len(raw) != want {
		return nil, fmt.Errorf("%w: grid is %d bytes, want %d", ErrUnavailable, len(raw), want)
	}

	data := make([]uint16, meta.Width*meta.Height)
	for i := range data {
		data[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}

	r.mu.Lock()
	if meta.Frame > r.lastConsumed {
		r.lastConsumed = meta.Frame
	}
	r.mu.Unlock()

	return &Frame{
		Width:     meta.Width,
		Height:    meta.Height,
		Number:    meta.Frame,
		Timestamp: captured,
		Data:      data,
	}, nil
}
