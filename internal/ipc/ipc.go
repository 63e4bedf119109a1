// Package ipc implements the cross-process artifact protocol: a versioned
// envelope carrying a sequence number and timestamp, written with a
// temp-file-then-rename pattern so a reader never observes a half-written
// value. Readers validate version, sequence monotonicity, and age rather
// than trusting file presence alone.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// SchemaVersion identifies the envelope layout. Readers reject any other
// version.
const SchemaVersion = 1

var (
	// ErrUnavailable means the artifact is missing or unparseable.
	ErrUnavailable = errors.New("artifact unavailable")

	// ErrStale means the artifact is older than the reader's staleness
	// bound or repeats an already-consumed sequence number.
	ErrStale = errors.New("artifact stale")
)

// Envelope wraps every published artifact.
type Envelope struct {
	Version   int             `json:"version"`
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Writer publishes artifacts to a single path with a monotonically
// increasing sequence number. Safe for concurrent use.
type Writer struct {
	fs    fsutil.FileSystem
	clock timeutil.Clock
	path  string

	mu  sync.Mutex
	seq uint64
}

// NewWriter creates a Writer for the given artifact path.
func NewWriter(fs fsutil.FileSystem, clock timeutil.Clock, path string) *Writer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Writer{fs: fs, clock: clock, path: path}
}

// Write marshals payload into a fresh envelope and atomically replaces the
// artifact file.
func (w *Writer) Write(payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	env := Envelope{
		Version:   SchemaVersion,
		Seq:       w.seq,
		Timestamp: w.clock.Now(),
		Payload:   raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := w.fs.WriteFileAtomic(w.path, data, 0o644); err != nil {
		return fmt.Errorf("publish %s: %w", w.path, err)
	}
	return nil
}

// Seq returns the last published sequence number.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Reader consumes artifacts from a single path, rejecting stale or repeated
// generations. Safe for concurrent use.
type Reader struct {
	fs     fsutil.FileSystem
	clock  timeutil.Clock
	path   string
	maxAge time.Duration

	mu      sync.Mutex
	lastSeq uint64
}

// NewReader creates a Reader. maxAge bounds how old an artifact may be before
// it is treated as absent; zero disables the age check.
func NewReader(fs fsutil.FileSystem, clock timeutil.Clock, path string, maxAge time.Duration) *Reader {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Reader{fs: fs, clock: clock, path: path, maxAge: maxAge}
}

// Read unmarshals the latest artifact into payload. It returns
// ErrUnavailable when the file is missing or malformed and ErrStale when the
// artifact is too old or repeats the last consumed sequence number.
func (r *Reader) Read(payload interface{}) error {
	data, err := r.fs.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrUnavailable
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if env.Version != SchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrUnavailable, env.Version)
	}
	if r.maxAge > 0 && r.clock.Since(env.Timestamp) > r.maxAge {
		return ErrStale
	}

	r.mu.Lock()
	if env.Seq <= r.lastSeq {
		r.mu.Unlock()
		return ErrStale
	}
	r.lastSeq = env.Seq
	r.mu.Unlock()

	if payload != nil {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("%w: payload: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Peek is like Read but does not advance the consumed sequence number, so
// repeated generations are not rejected. Liveness checks use it to accept an
// unchanged-but-fresh artifact.
func (r *Reader) Peek(payload interface{}) error {
	data, err := r.fs.ReadFile(r.path)
	if err != nil {
		return ErrUnavailable
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if env.Version != SchemaVersion {
		return fmt.Errorf("%w: schema version %d", ErrUnavailable, env.Version)
	}
	if r.maxAge > 0 && r.clock.Since(env.Timestamp) > r.maxAge {
		return ErrStale
	}
	if payload != nil {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return fmt.Errorf("%w: payload: %v", ErrUnavailable, err)
		}
	}
	return nil
}

// Fresh reports whether the artifact at path parses and is younger than
// maxAge. Used by the supervisor to gate dependent process startup.
func Fresh(fs fsutil.FileSystem, clock timeutil.Clock, path string, maxAge time.Duration) bool {
	return NewReader(fs, clock, path, maxAge).Peek(nil) == nil
}
