// Command proximityd owns the obstacle sensors: it runs the LiDAR
// acquisition loop, polls depth frames from the camera service, fuses both
// into the eight-sector proximity map, and publishes the fused artifact
// and status descriptor for the other daemons.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/terranav/fieldrover/internal/api"
	"github.com/terranav/fieldrover/internal/config"
	"github.com/terranav/fieldrover/internal/depth"
	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/ipc"
	"github.com/terranav/fieldrover/internal/lidar"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/mqttbridge"
	"github.com/terranav/fieldrover/internal/proximity"
	"github.com/terranav/fieldrover/internal/recorder"
	"github.com/terranav/fieldrover/internal/timeutil"
)

var configPath = flag.String("config", "", "Path to JSON config file")

// StatusArtifactName is the liveness artifact the supervisor watches.
const StatusArtifactName = "proximityd.status"

func main() {
	flag.Parse()

	cfg, err := config.LoadWithEnv(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fs := fsutil.OSFileSystem{}
	clock := timeutil.RealClock{}

	if err := fs.MkdirAll(cfg.RunDir, 0o755); err != nil {
		log.Fatalf("failed to create run dir: %v", err)
	}

	fuser := proximity.NewFuser(proximity.FuserConfig{
		FreshWindow: cfg.GetFusionFreshWindow(),
		Clock:       clock,
	})
	tracker := &proximity.StatusTracker{}

	acquirer, err := lidar.NewAcquirer(lidar.AcquirerConfig{
		Open:             func() (lidar.Porter, error) { return lidar.Open(cfg.LidarDevice, cfg.LidarBaud) },
		Sink:             fuser,
		QualityThreshold: cfg.LidarQualityThreshold,
		Clock:            clock,
	})
	if err != nil {
		log.Fatalf("failed to create lidar acquirer: %v", err)
	}

	depthReader, err := depth.NewReader(depth.Config{
		Dir:        cfg.DepthDir,
		MaxAge:     cfg.GetDepthMaxAge(),
		MinDepthMM: cfg.DepthMinMM,
		MaxDepthMM: cfg.DepthMaxMM,
		Percentile: cfg.DepthPercentile,
		FS:         fs,
		Clock:      clock,
	})
	if err != nil {
		log.Fatalf("failed to create depth reader: %v", err)
	}

	var driveLog *recorder.DB
	if cfg.RecorderPath != "" {
		driveLog, err = recorder.NewDB(cfg.RecorderPath)
		if err != nil {
			log.Fatalf("failed to open drive log: %v", err)
		}
		defer driveLog.Close()
		monitoring.Logf("proximityd: drive log session %s", driveLog.SessionID())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var bridge *mqttbridge.Bridge
	if cfg.MQTTBroker != "" {
		bridge, err = mqttbridge.New(ctx, mqttbridge.Config{
			BrokerURL: cfg.MQTTBroker,
			Topic:     cfg.MQTTTopic,
		})
		if err != nil {
			// The bridge is best effort; the rover drives without it.
			monitoring.Logf("proximityd: mqtt bridge unavailable: %v", err)
			bridge = nil
		}
	}

	artifact := proximity.NewArtifactWriter(fs, clock,
		filepath.Join(cfg.RunDir, proximity.ArtifactName))
	statusWriter := ipc.NewWriter(fs, clock,
		filepath.Join(cfg.RunDir, StatusArtifactName))

	var wg sync.WaitGroup

	// LiDAR acquisition loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := acquirer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			monitoring.Logf("proximityd: lidar loop stopped: %v", err)
		}
	}()

	// Depth polling loop.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(cfg.GetFusionTickRate())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				frame, err := depthReader.ReadLatest()
				if err != nil {
					if !errors.Is(err, depth.ErrUnavailable) {
						tracker.SetError(err)
					}
					continue
				}
				fuser.SetDepth(depthReader.Sectors(frame))
			}
		}
	}()

	// Fusion tick loop: publish the fused generation, artifact, status,
	// and optional side channels.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := clock.NewTicker(cfg.GetFusionTickRate())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				fused := fuser.PublishTick()
				if err := artifact.Write(fused); err != nil {
					tracker.SetError(err)
					monitoring.Logf("proximityd: artifact write failed: %v", err)
				}
				status := tracker.Build(fuser, fused)
				if err := statusWriter.Write(status); err != nil {
					monitoring.Logf("proximityd: status write failed: %v", err)
				}
				if driveLog != nil {
					if err := driveLog.RecordProximity(fused); err != nil {
						monitoring.Logf("proximityd: drive log write failed: %v", err)
					}
				}
				if bridge != nil {
					if err := bridge.PublishStatus(ctx, status); err != nil {
						monitoring.Logf("proximityd: mqtt publish failed: %v", err)
					}
				}
			}
		}
	}()

	// Debug HTTP listener.
	if cfg.HTTPAddr != "" {
		server := api.NewServer(fuser, tracker, acquirer.Health, driveLog)
		httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.ServeMux()}
		wg.Add(1)
		go func() {
			defer wg.Done()
			monitoring.Logf("proximityd: debug api on %s", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				monitoring.Logf("proximityd: http server stopped: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			httpServer.Close()
		}()
	}

	monitoring.Logf("proximityd: running (lidar %s, depth dir %s)", cfg.LidarDevice, cfg.DepthDir)
	<-ctx.Done()
	wg.Wait()
	monitoring.Logf("proximityd: shut down")
}
