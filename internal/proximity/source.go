package proximity

import (
	"time"

	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/ipc"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// Source yields the latest fused proximity generation to a consumer. The
// in-process Fuser and the cross-process artifact reader both satisfy it, so
// the telemetry publisher and navigation controller do not care which side
// of a process boundary they run on.
type Source interface {
	// Latest returns the newest fused generation. ok is false when no
	// usable generation exists yet.
	Latest() (FusedProximity, bool)
}

// Latest implements Source over the in-process fuser.
func (f *Fuser) Latest() (FusedProximity, bool) {
	s := f.Snapshot()
	return s, !s.GeneratedAt.IsZero()
}

// ArtifactName is the fused proximity artifact's file name within the
// artifact directory.
const ArtifactName = "proximity.json"

// ArtifactWriter publishes fused generations for other processes.
type ArtifactWriter struct {
	w *ipc.Writer
}

// NewArtifactWriter creates a writer for the fused proximity artifact.
func NewArtifactWriter(fs fsutil.FileSystem, clock timeutil.Clock, path string) *ArtifactWriter {
	return &ArtifactWriter{w: ipc.NewWriter(fs, clock, path)}
}

// Write publishes one fused generation.
func (a *ArtifactWriter) Write(f FusedProximity) error {
	return a.w.Write(f)
}

// ArtifactSource reads fused generations published by another process. It
// satisfies Source; a missing, malformed, or aged-out artifact simply yields
// ok=false so consumers degrade instead of failing.
type ArtifactSource struct {
	r *ipc.Reader
}

// NewArtifactSource creates a Source over a fused proximity artifact file.
// maxAge bounds how old a generation may be before it is ignored.
func NewArtifactSource(fs fsutil.FileSystem, clock timeutil.Clock, path string, maxAge time.Duration) *ArtifactSource {
	return &ArtifactSource{r: ipc.NewReader(fs, clock, path, maxAge)}
}

// Latest returns the newest published generation. Consumers poll at their
// own cadence, so an unchanged-but-fresh artifact is still returned.
func (a *ArtifactSource) Latest() (FusedProximity, bool) {
	var f FusedProximity
	if err := a.r.Peek(&f); err != nil {
		return FusedProximity{Sectors: Unknown()}, false
	}
	return f, true
}
