// Command autopilotd owns the MAVLink link to the flight controller. It
// streams the fused proximity map as distance-sensor telemetry and, when
// reactive navigation is enabled, drives steering and throttle through RC
// overrides.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/terranav/fieldrover/internal/config"
	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/ipc"
	"github.com/terranav/fieldrover/internal/mavlink"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/nav"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/recorder"
	"github.com/terranav/fieldrover/internal/telemetry"
	"github.com/terranav/fieldrover/internal/timeutil"
)

var configPath = flag.String("config", "", "Path to JSON config file")

// StatusArtifactName is the liveness artifact the supervisor watches.
const StatusArtifactName = "autopilotd.status"

func main() {
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fs := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}

	var dialer mavlink.Dialer
	if cfg.MavlinkUDP != "" {
		dialer = mavlink.DialUDP(cfg.MavlinkUDP, byte(cfg.SystemID))
	} else {
		dialer = mavlink.DialSerial(cfg.MavlinkDevice, cfg.MavlinkBaud, byte(cfg.SystemID))
	}
	link, err := mavlink.NewLink(mavlink.LinkConfig{
		Dial:  dialer,
		Clock: clock,
	})
	if err != nil {
		log.Fatalf("failed to create mavlink link: %v", err)
	}
	defer link.Close()

	// Proximity arrives by artifact from proximityd. A stale artifact
	// means no proximity, which downstream treats as sensor loss.
	source := proximity.NewArtifactSource(fs, clock,
		filepath.Join(cfg.RunDir, proximity.ArtifactName),
		2*cfg.GetFusionFreshWindow())

	tracker := &proximity.StatusTracker{}
	publisher, err := telemetry.New(telemetry.Config{
		Link:    link,
		Source:  source,
		Rate:    cfg.GetTelemetryRate(),
		Tracker: tracker,
		Clock:   clock,
	})
	if err != nil {
		log.Fatalf("failed to create telemetry publisher: %v", err)
	}

	var driveLog *recorder.DB
	if cfg.NavEnabled && cfg.RecorderPath != "" {
		driveLog, err = recorder.NewDB(cfg.RecorderPath + ".nav")
		if err != nil {
			log.Fatalf("failed to open drive log: %v", err)
		}
		defer driveLog.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("autopilotd: telemetry loop stopped: %v", err)
		}
	}()

	if cfg.NavEnabled {
		controller := nav.NewController(nav.Config{
			SafeDistanceCM:    cfg.SafeDistanceCM,
			CautionDistanceCM: cfg.CautionDistanceCM,
			ThrottleMaxPWM:    cfg.ThrottleMaxPWM,
		})
		runnerCfg := nav.RunnerConfig{
			Link:       link,
			Source:     source,
			Controller: controller,
			Rate:       cfg.GetNavRate(),
			Clock:      clock,
		}
		if driveLog != nil {
			runnerCfg.Recorder = driveLog
		}
		runner, err := nav.NewRunner(runnerCfg)
		if err != nil {
			log.Fatalf("failed to create nav runner: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitoring.Logf("autopilotd: reactive navigation enabled")
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Logf("autopilotd: nav loop stopped: %v", err)
			}
		}()
	}

	// Liveness artifact for the supervisor.
	statusWriter := ipc.NewWriter(fs, clock,
		filepath.Join(cfg.RunDir, StatusArtifactName))
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(cfg.GetTelemetryRate())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				err := statusWriter.Write(map[string]interface{}{
					"link":      link.State().String(),
					"msgs_sent": publisher.Sent(),
				})
				if err != nil {
					monitoring.Logf("autopilotd: status write failed: %v", err)
				}
			}
		}
	}()

	monitoring.Logf("autopilotd: running (nav enabled: %v)", cfg.NavEnabled)
	<-ctx.Done()
	wg.Wait()
	monitoring.Logf("autopilotd: shut down")
}
