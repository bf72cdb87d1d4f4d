// Package supervisor owns the guest process: launch with a scrubbed
// environment, combined output capture, and graceful stop with a hard-kill
// escalation on the whole process group.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// State is the supervisor's view of the guest process.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	// StateStopped means the process exited after a stop request.
	StateStopped State = "stopped"
	// StateCrashed means the process exited on its own with a non-zero
	// status or a signal.
	StateCrashed State = "crashed"
	// StateExited means the process exited on its own with status zero.
	StateExited State = "exited"
)

// Spec describes a process to launch.
type Spec struct {
	// WorkDir is the working directory; the process sees nothing above it
	// by convention and the scanner enforces it by policy.
	WorkDir string
	// Command is the argv. Never interpreted by a shell.
	Command []string
	// ExtraEnv is merged over the whitelist, typically the parsed .env of
	// the workspace.
	ExtraEnv map[string]string
}

// Config holds supervisor settings.
type Config struct {
	// StopGrace is how long a stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration `yaml:"stopGrace"`
	// EnvWhitelist names the only ambient variables a guest inherits.
	EnvWhitelist []string `yaml:"envWhitelist"`
}

// DefaultConfig returns supervisor defaults.
func DefaultConfig() Config {
	return Config{
		StopGrace:    5 * time.Second,
		EnvWhitelist: []string{"PATH", "HOME", "LANG", "TZ", "PYTHONUNBUFFERED"},
	}
}

// ExitInfo describes how the process ended.
type ExitInfo struct {
	Code      int
	Requested bool // true when the exit followed a Stop call
	Err       error
}

// Handle supervises one running process.
type Handle struct {
	cfg Config

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd

	stopRequested atomic.Bool
	done          chan struct{}
	exit          ExitInfo
}

// Launch starts the process described by spec, streaming combined stdout and
// stderr into sink. The returned handle owns the process until Wait
// completes.
func Launch(ctx context.Context, spec Spec, sink io.Writer, cfg Config) (*Handle, error) {
	def := DefaultConfig()
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = def.StopGrace
	}
	if len(cfg.EnvWhitelist) == 0 {
		cfg.EnvWhitelist = def.EnvWhitelist
	}
	if len(spec.Command) == 0 {
		return nil, appErr.New(appErr.ProcessLaunchFailed).WithMessage("empty command")
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = buildEnv(cfg.EnvWhitelist, spec.ExtraEnv)
	cmd.SysProcAttr = procAttr()

	// One pipe for both streams keeps interleaving close to what a
	// terminal would show.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.ProcessLaunchFailed, "create output pipe failed")
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	h := &Handle{
		cfg:   cfg,
		state: StateStarting,
		cmd:   cmd,
		done:  make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, appErr.Wrapf(err, appErr.ProcessLaunchFailed, "start %s failed", spec.Command[0])
	}
	// The child holds its own copy of the write end.
	pw.Close()

	h.mu.Lock()
	h.state = StateRunning
	h.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		defer pr.Close()
		if _, err := io.Copy(sink, pr); err != nil {
			logger.Warn(ctx, "console drain ended with error", zap.Error(err))
		}
	}()

	go h.wait(drained)
	return h, nil
}

func (h *Handle) wait(drained <-chan struct{}) {
	err := h.cmd.Wait()
	<-drained

	info := ExitInfo{Requested: h.stopRequested.Load(), Err: err}
	if err == nil {
		info.Code = 0
	} else if ee, ok := err.(*exec.ExitError); ok {
		info.Code = ee.ExitCode()
	} else {
		info.Code = -1
	}

	h.mu.Lock()
	switch {
	case info.Requested:
		h.state = StateStopped
	case info.Code == 0:
		h.state = StateExited
	default:
		h.state = StateCrashed
	}
	h.exit = info
	h.mu.Unlock()
	close(h.done)
}

// State returns the current process state without blocking.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// PID returns the process id, or 0 before launch.
func (h *Handle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Done is closed when the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until exit or ctx cancellation.
func (h *Handle) Wait(ctx context.Context) (ExitInfo, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, nil
	case <-ctx.Done():
		return ExitInfo{}, ctx.Err()
	}
}

// Stop terminates the process group: SIGTERM first, then SIGKILL once the
// grace period lapses. Safe to call more than once. Returns the exit info
// observed after the process is fully gone.
func (h *Handle) Stop(ctx context.Context) (ExitInfo, error) {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.exit, appErr.New(appErr.ProcessAlreadyExited)
	default:
	}

	h.stopRequested.Store(true)
	h.mu.Lock()
	if h.state == StateRunning {
		h.state = StateStopping
	}
	pid := h.PID()
	h.mu.Unlock()

	if pid > 0 {
		if err := terminateGroup(pid); err != nil {
			logger.Warn(ctx, "terminate signal failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	timer := time.NewTimer(h.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		if pid > 0 {
			if err := killGroup(pid); err != nil {
				logger.Warn(ctx, "kill signal failed", zap.Int("pid", pid), zap.Error(err))
			}
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			return ExitInfo{}, appErr.Wrap(ctx.Err(), appErr.ProcessStopFailed)
		}
	case <-ctx.Done():
		if pid > 0 {
			_ = killGroup(pid)
		}
		<-h.done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exit, nil
}

// buildEnv merges the ambient whitelist with the per-slot overrides. The
// guest never inherits the daemon's full environment.
func buildEnv(whitelist []string, extra map[string]string) []string {
	env := make([]string, 0, len(whitelist)+len(extra))
	for _, key := range whitelist {
		if _, override := extra[key]; override {
			continue
		}
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, fmt.Sprintf("%s=%s", key, v))
		}
	}
	for k, v := range extra {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}
