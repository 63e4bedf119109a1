package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/terranav/fieldrover/internal/fsutil"
	"github.com/terranav/fieldrover/internal/ipc"
	"github.com/terranav/fieldrover/internal/monitoring"
	"github.com/terranav/fieldrover/internal/timeutil"
)

// Defaults for readiness polling and restarts.
const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultPollInterval   = 200 * time.Millisecond
	DefaultRestartDelay   = time.Second

	// statusFreshWindow is how recent a status artifact must be to count
	// as alive.
	statusFreshWindow = 3 * time.Second
)

// Handle is a started child process.
type Handle interface {
	// Wait blocks until the process exits.
	Wait() error
	// Signal delivers a signal to the process.
	Signal(sig os.Signal) error
}

// Launcher starts child processes. The exec implementation is used in
// production; tests script their own.
type Launcher interface {
	Start(ctx context.Context, spec ProcessSpec) (Handle, error)
}

// ExecLauncher launches children with os/exec. Children inherit stdout
// and stderr so their logs interleave with ours.
type ExecLauncher struct{}

type execHandle struct {
	cmd *exec.Cmd
}

func (h *execHandle) Wait() error { return h.cmd.Wait() }

func (h *execHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

// Start implements Launcher.
func (l *ExecLauncher) Start(ctx context.Context, spec ProcessSpec) (Handle, error) {
	cmd := exec.CommandContext(ctx, spec.Command[0], spec.Command[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Name, err)
	}
	return &execHandle{cmd: cmd}, nil
}

// Config wires a Supervisor.
type Config struct {
	Manifest *Manifest
	Launcher Launcher

	// PollInterval is the readiness poll cadence.
	PollInterval time.Duration

	// RestartDelay is the pause before restarting a crashed child.
	RestartDelay time.Duration

	FS    fsutil.FileSystem
	Clock timeutil.Clock
	Logf  func(string, ...interface{})
}

// Supervisor runs the manifest.
type Supervisor struct {
	cfg Config
}

// New validates the config and builds a Supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Manifest == nil || len(cfg.Manifest.Processes) == 0 {
		return nil, fmt.Errorf("supervisor: manifest is required")
	}
	if cfg.Launcher == nil {
		cfg.Launcher = &ExecLauncher{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Logf == nil {
		cfg.Logf = monitoring.Logf
	}
	return &Supervisor{cfg: cfg}, nil
}

// Run starts every child in manifest order, waiting for each one's status
// artifact before starting the next, then supervises them until ctx is
// cancelled or a critical child exhausts its restart budget.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	failures := make(chan error, len(s.cfg.Manifest.Processes))

	for _, spec := range s.cfg.Manifest.Processes {
		h, err := s.startAndAwait(ctx, spec)
		if err != nil {
			if spec.Critical {
				cancel()
				wg.Wait()
				return fmt.Errorf("critical process %s: %w", spec.Name, err)
			}
			s.cfg.Logf("supervisor: %s failed to start, continuing without it: %v", spec.Name, err)
			continue
		}
		s.cfg.Logf("supervisor: %s is up", spec.Name)

		wg.Add(1)
		go func(spec ProcessSpec, h Handle) {
			defer wg.Done()
			if err := s.supervise(ctx, spec, h); err != nil {
				failures <- err
				cancel()
			}
		}(spec, h)
	}

	<-ctx.Done()
	wg.Wait()
	select {
	case err := <-failures:
		return err
	default:
		return ctx.Err()
	}
}

// startAndAwait launches the child and, when a status file is declared,
// blocks until the artifact is fresh or the startup timeout elapses.
func (s *Supervisor) startAndAwait(ctx context.Context, spec ProcessSpec) (Handle, error) {
	h, err := s.cfg.Launcher.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	if spec.StatusFile == "" {
		return h, nil
	}

	timeout := spec.StartupTimeout.Std()
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	deadline := s.cfg.Clock.Now().Add(timeout)
	for {
		if ipc.Fresh(s.cfg.FS, s.cfg.Clock, spec.StatusFile, statusFreshWindow) {
			return h, nil
		}
		if !s.cfg.Clock.Now().Before(deadline) {
			h.Signal(os.Kill)
			return nil, fmt.Errorf("no status artifact at %s within %v", spec.StatusFile, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.PollInterval):
		}
	}
}

// supervise waits on the child, restarting it up to its budget. A
// critical child out of budget returns an error, which takes the whole
// supervisor down.
func (s *Supervisor) supervise(ctx context.Context, spec ProcessSpec, h Handle) error {
	restarts := 0
	for {
		err := h.Wait()
		if ctx.Err() != nil {
			return nil
		}
		s.cfg.Logf("supervisor: %s exited: %v", spec.Name, err)

		if restarts >= spec.MaxRestarts {
			if spec.Critical {
				return fmt.Errorf("critical process %s exhausted %d restarts", spec.Name, spec.MaxRestarts)
			}
			s.cfg.Logf("supervisor: %s exhausted %d restarts, leaving it down", spec.Name, spec.MaxRestarts)
			return nil
		}
		restarts++

		select {
		case <-ctx.Done():
			return nil
		case <-s.cfg.Clock.After(s.cfg.RestartDelay):
		}

		next, startErr := s.startAndAwait(ctx, spec)
		if startErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			if spec.Critical {
				return fmt.Errorf("critical process %s restart failed: %w", spec.Name, startErr)
			}
			s.cfg.Logf("supervisor: %s restart failed, leaving it down: %v", spec.Name, startErr)
			return nil
		}
		s.cfg.Logf("supervisor: %s restarted (%d/%d)", spec.Name, restarts, spec.MaxRestarts)
		h = next
	}
}
