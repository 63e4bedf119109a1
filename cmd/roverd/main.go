// Command roverd supervises the rover daemons. It starts the processes
// named in the manifest in order, waits for each one's status artifact,
// restarts crashes within budget, and exits when a critical child cannot
// be kept alive.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/supervisor"
)

var manifestPath = flag.String("manifest", "/etc/fieldrover/manifest.yaml", "Path to process manifest")

func main() {
	flag.Parse()

	manifest, err := supervisor.LoadManifest(*manifestPath)
	if err != nil {
		log.Fatalf("failed to load manifest: %v", err)
	}

	s, err := supervisor.New(supervisor.Config{Manifest: manifest})
	if err != nil {
		log.Fatalf("failed to create supervisor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	monitoring.Logf("roverd: supervising %d processes", len(manifest.Processes))
	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("roverd: %v", err)
	}
	monitoring.Logf("roverd: shut down")
}
