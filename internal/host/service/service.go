// Package service coordinates the hosting pipeline: slot provisioning,
// upload scanning, process launch and teardown, the develop loop, and the
// tenant-facing views. It owns the two-phase teardown barrier: a slot only
// returns to the pool after both the guest process and its watcher are gone.
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"hostbox/internal/ai"
	"hostbox/internal/common/storage"
	"hostbox/internal/host/audit"
	"hostbox/internal/host/autofix"
	"hostbox/internal/host/console"
	"hostbox/internal/host/registry"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/supervisor"
	"hostbox/internal/host/watcher"
	"hostbox/internal/host/workspace"
	"hostbox/internal/notify"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// Config holds service-level settings plus the per-subsystem configs.
type Config struct {
	// DataRoot is where per-slot workspaces live.
	DataRoot string `yaml:"dataRoot"`
	// Interpreter runs Python projects when no Procfile override exists.
	Interpreter string `yaml:"interpreter"`
	// InstallTimeout bounds a dependency install.
	InstallTimeout time.Duration `yaml:"installTimeout"`
	// EnvKeyLimit caps how many .env key names a status view exposes.
	EnvKeyLimit int `yaml:"envKeyLimit"`
	// RetainBucket, when set with an object store, receives compressed
	// copies of accepted archives.
	RetainBucket string `yaml:"retainBucket"`

	Workspace  workspace.Config  `yaml:"workspace"`
	Registry   registry.Config   `yaml:"registry"`
	Scanner    scanner.Config    `yaml:"scanner"`
	Supervisor supervisor.Config `yaml:"supervisor"`
	Console    console.Config    `yaml:"console"`
	Watcher    watcher.Config    `yaml:"watcher"`
	Autofix    autofix.Config    `yaml:"autofix"`
}

// DefaultConfig returns service defaults.
func DefaultConfig() Config {
	return Config{
		DataRoot:       "/var/lib/hostbox/slots",
		Interpreter:    "python3",
		InstallTimeout: 3 * time.Minute,
		EnvKeyLimit:    50,
		Workspace:      workspace.DefaultConfig(),
		Registry:       registry.DefaultConfig(),
		Scanner:        scanner.DefaultConfig(),
		Supervisor:     supervisor.DefaultConfig(),
		Console:        console.DefaultConfig(),
		Watcher:        watcher.DefaultConfig(),
		Autofix:        autofix.DefaultConfig(),
	}
}

// slotRuntime is the live state behind one registry slot.
type slotRuntime struct {
	slot registry.Slot
	ws   *workspace.Workspace

	mu           sync.Mutex
	launching    bool
	streamer     *console.Streamer
	handle       *supervisor.Handle
	watch        *watcher.Watcher
	watchCancel  context.CancelFunc
	manifestHash string // at the last successful install
}

// HostService is the top-level coordinator.
type HostService struct {
	cfg       Config
	reg       *registry.Registry
	scan      *scanner.Scanner
	generator ai.GeneratorService
	fixer     *autofix.Orchestrator
	recorder  *audit.Recorder
	sink      notify.Sink
	store     storage.ObjectStorage // optional

	mu       sync.Mutex
	runtimes map[string]*slotRuntime
}

// Deps bundles the service's collaborators. Recorder, Sink, and Store are
// optional.
type Deps struct {
	Registry  *registry.Registry
	Scanner   *scanner.Scanner
	Generator ai.GeneratorService
	Fixer     *autofix.Orchestrator
	Recorder  *audit.Recorder
	Sink      notify.Sink
	Store     storage.ObjectStorage
}

// New creates the host service.
func New(cfg Config, deps Deps) *HostService {
	def := DefaultConfig()
	if cfg.DataRoot == "" {
		cfg.DataRoot = def.DataRoot
	}
	if cfg.Interpreter == "" {
		cfg.Interpreter = def.Interpreter
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = def.InstallTimeout
	}
	if cfg.EnvKeyLimit <= 0 {
		cfg.EnvKeyLimit = def.EnvKeyLimit
	}
	sink := deps.Sink
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &HostService{
		cfg:       cfg,
		reg:       deps.Registry,
		scan:      deps.Scanner,
		generator: deps.Generator,
		fixer:     deps.Fixer,
		recorder:  deps.Recorder,
		sink:      sink,
		store:     deps.Store,
		runtimes:  make(map[string]*slotRuntime),
	}
}

func (s *HostService) slotDir(slotID string) string {
	return filepath.Join(s.cfg.DataRoot, slotID)
}

func (s *HostService) runtime(tenant, slotID string) (*slotRuntime, error) {
	if _, err := s.reg.Get(tenant, slotID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[slotID]
	if !ok {
		return nil, appErr.Newf(appErr.SlotNotFound, "slot %s has no runtime", slotID)
	}
	return rt, nil
}

// Provision acquires a slot, ingests the archive, and runs the upload scan.
// Blocked files are quarantined before the slot is usable. On any hard
// failure the slot is released so the tenant's cap is not leaked.
func (s *HostService) Provision(ctx context.Context, tenant, name string, archive []byte) (SlotView, error) {
	slot, err := s.reg.Acquire(tenant, name)
	if err != nil {
		return SlotView{}, err
	}

	ws, err := workspace.New(s.slotDir(slot.ID), s.cfg.Workspace)
	if err != nil {
		s.reg.Release(slot.ID)
		return SlotView{}, err
	}

	release := func() {
		_ = ws.Teardown()
		s.reg.Release(slot.ID)
	}

	records, err := ws.IngestArchive(archive)
	if err != nil {
		release()
		return SlotView{}, err
	}

	rt := &slotRuntime{slot: slot, ws: ws}
	s.mu.Lock()
	s.runtimes[slot.ID] = rt
	s.mu.Unlock()

	if err := s.scanUpload(ctx, rt, records); err != nil {
		s.mu.Lock()
		delete(s.runtimes, slot.ID)
		s.mu.Unlock()
		release()
		return SlotView{}, err
	}

	s.retainArchive(ctx, tenant, slot.ID, archive)
	return s.view(ctx, rt), nil
}

// scanUpload runs the pipeline over freshly written records, quarantining
// anything blocked. The slot passes through Scanning and lands back in
// Provisioned.
func (s *HostService) scanUpload(ctx context.Context, rt *slotRuntime, records []workspace.FileRecord) error {
	if err := s.reg.Transition(rt.slot.ID, registry.StateScanning); err != nil {
		return err
	}

	targets := make([]scanner.ScanFile, 0, len(records))
	for _, rec := range records {
		content, err := rt.ws.ReadFileLimited(rec.Path)
		if err != nil {
			if appErr.GetCode(err) == appErr.EntryFileNotFound {
				continue
			}
			return err
		}
		targets = append(targets, scanner.ScanFile{Path: rec.Path, Content: content, Hash: rec.ContentHash})
	}

	seq := s.scan.NextSeq()
	verdicts := s.scan.Scan(ctx, targets, nil)
	for path, verdict := range verdicts {
		if !rt.ws.ApplyVerdict(path, verdict, seq) {
			continue
		}
		if !verdict.Blocks() {
			continue
		}
		if err := rt.ws.Quarantine(path); err != nil {
			return err
		}
		logger.Info(ctx, "upload file quarantined",
			zap.String("slot", rt.slot.ID),
			zap.String("path", path),
			zap.String("reason", verdict.Reason))
		if s.recorder != nil {
			entry := audit.NewEntry(rt.slot.Tenant, rt.slot.ID, path, audit.ActionQuarantine, verdict.Reason)
			if err := s.recorder.Record(ctx, entry); err != nil {
				logger.Error(ctx, "audit append failed", zap.Error(err))
			}
		}
		notify.Deliver(ctx, s.sink, notify.New(rt.slot.Tenant, rt.slot.ID, notify.KindQuarantine,
			"file "+path+" was removed: "+verdict.Reason))
	}

	return s.reg.Transition(rt.slot.ID, registry.StateProvisioned)
}

// Launch starts the guest process and its watcher. The dependency install
// runs outside the runtime mutex so Stop, Attach, and Transcript stay
// responsive while pip works; a launching flag keeps concurrent launches on
// the same slot out.
func (s *HostService) Launch(ctx context.Context, tenant, slotID string) error {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.launching {
		rt.mu.Unlock()
		return appErr.Newf(appErr.SlotBusy, "slot %s is already launching", slotID)
	}
	if rt.handle != nil {
		select {
		case <-rt.handle.Done():
		default:
			rt.mu.Unlock()
			return appErr.Newf(appErr.SlotBusy, "slot %s already has a running process", slotID)
		}
	}
	rt.launching = true
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.launching = false
		rt.mu.Unlock()
	}()

	if err := s.installDeps(ctx, rt); err != nil {
		return err
	}

	command, err := s.startCommand(rt)
	if err != nil {
		return err
	}
	extraEnv, err := rt.ws.EnvFile()
	if err != nil {
		return err
	}

	streamer := console.NewStreamer(s.cfg.Console)
	handle, err := supervisor.Launch(ctx, supervisor.Spec{
		WorkDir:  rt.ws.Root(),
		Command:  command,
		ExtraEnv: extraEnv,
	}, streamer, s.cfg.Supervisor)
	if err != nil {
		streamer.Close()
		return err
	}

	if err := s.reg.Transition(slotID, registry.StateRunning); err != nil {
		_, _ = handle.Stop(ctx)
		streamer.Close()
		return err
	}

	watchCtx, watchCancel := context.WithCancel(context.Background())
	w := watcher.New(tenant, slotID, rt.ws, s.scan, s.recorder, s.sink, s.cfg.Watcher)
	if err := w.Prime(); err != nil {
		logger.Warn(ctx, "watcher prime failed", zap.String("slot", slotID), zap.Error(err))
	}
	go w.Run(watchCtx)

	rt.mu.Lock()
	rt.streamer = streamer
	rt.handle = handle
	rt.watch = w
	rt.watchCancel = watchCancel
	rt.mu.Unlock()

	go s.reap(tenant, slotID, handle, streamer)
	logger.Info(ctx, "process launched",
		zap.String("slot", slotID),
		zap.Int("pid", handle.PID()),
		zap.Strings("command", command))
	return nil
}

// reap observes an exit that was not requested through Stop and settles the
// slot state.
func (s *HostService) reap(tenant, slotID string, handle *supervisor.Handle, streamer *console.Streamer) {
	<-handle.Done()
	ctx := context.Background()

	info, _ := handle.Wait(ctx)
	if info.Requested {
		// Stop owns the state transition.
		return
	}

	next := registry.StateStopped
	kind := notify.KindCrash
	if info.Code != 0 {
		next = registry.StateCrashed
	}
	if err := s.reg.Transition(slotID, next); err != nil {
		// Teardown may have already released the slot.
		return
	}
	logger.Info(ctx, "process exited on its own",
		zap.String("slot", slotID), zap.Int("code", info.Code))

	if next == registry.StateCrashed {
		if s.recorder != nil {
			entry := audit.NewEntry(tenant, slotID, "", audit.ActionProcessCrashed,
				fmt.Sprintf("exit code %d", info.Code))
			if err := s.recorder.Record(ctx, entry); err != nil {
				logger.Error(ctx, "audit append failed", zap.Error(err))
			}
		}
		notify.Deliver(ctx, s.sink, notify.New(tenant, slotID, kind,
			fmt.Sprintf("process exited with code %d", info.Code)))
	}
	s.stopWatcher(slotID)
	// Close the console tied to this handle, not whatever is current: a
	// relaunch may already have installed a fresh streamer.
	streamer.Close()
}

// closeStreamer flushes and closes a slot's console so subscribers see the
// stream end. The transcript stays readable afterwards.
func (s *HostService) closeStreamer(slotID string) {
	s.mu.Lock()
	rt, ok := s.runtimes[slotID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	if rt.streamer != nil {
		rt.streamer.Close()
	}
	rt.mu.Unlock()
}

func (s *HostService) stopWatcher(slotID string) {
	s.mu.Lock()
	rt, ok := s.runtimes[slotID]
	s.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	cancel, w := rt.watchCancel, rt.watch
	rt.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if w != nil {
		<-w.Done()
	}
}

// Stop terminates the guest process and waits for both halves of the
// teardown barrier: process exit and watcher shutdown.
func (s *HostService) Stop(ctx context.Context, tenant, slotID string) error {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	handle := rt.handle
	rt.mu.Unlock()
	if handle == nil {
		return appErr.Newf(appErr.SlotNotRunning, "slot %s has no process", slotID)
	}

	if err := s.reg.Transition(slotID, registry.StateStopping); err != nil {
		if appErr.GetCode(err) != appErr.InvalidSlotState {
			return err
		}
		// Already past Running (self-exit raced us); fall through to the
		// barrier so the watcher still gets collected.
	}

	if _, err := handle.Stop(ctx); err != nil && appErr.GetCode(err) != appErr.ProcessAlreadyExited {
		return err
	}
	s.stopWatcher(slotID)
	s.closeStreamer(slotID)

	if err := s.reg.Transition(slotID, registry.StateStopped); err != nil &&
		appErr.GetCode(err) != appErr.InvalidSlotState {
		return err
	}
	return nil
}

// Clear tears a slot down completely: process, watcher, workspace, registry
// entry, in that order. Idempotent enough to be retried.
func (s *HostService) Clear(ctx context.Context, tenant, slotID string) error {
	rt, err := s.runtime(tenant, slotID)
	if err != nil {
		return err
	}

	slot, err := s.reg.Get(tenant, slotID)
	if err != nil {
		return err
	}
	if slot.State == registry.StateRunning || slot.State == registry.StateStopping {
		if err := s.Stop(ctx, tenant, slotID); err != nil &&
			appErr.GetCode(err) != appErr.SlotNotRunning {
			return err
		}
	} else {
		// No process, but a watcher may still be winding down.
		s.stopWatcher(slotID)
	}
	// Self-exited slots reach here with the console still open; close it so
	// the flush goroutine ends and attached clients see the stream finish.
	s.closeStreamer(slotID)

	if err := rt.ws.Teardown(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.runtimes, slotID)
	s.mu.Unlock()
	s.reg.Release(slotID)
	logger.Info(ctx, "slot cleared", zap.String("slot", slotID), zap.String("tenant", tenant))
	return nil
}

// ClearAll tears down every slot a tenant holds.
func (s *HostService) ClearAll(ctx context.Context, tenant string) error {
	var firstErr error
	for _, slot := range s.reg.List(tenant) {
		if err := s.Clear(ctx, tenant, slot.ID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reclaim implements the registry sweep callback for expired sessions.
func (s *HostService) Reclaim(ctx context.Context, slot registry.Slot) {
	if err := s.Clear(ctx, slot.Tenant, slot.ID); err != nil {
		logger.Warn(ctx, "reclaim failed", zap.String("slot", slot.ID), zap.Error(err))
		return
	}
	if s.recorder != nil {
		entry := audit.NewEntry(slot.Tenant, slot.ID, "", audit.ActionSlotReclaimed, "session expired")
		if err := s.recorder.Record(ctx, entry); err != nil {
			logger.Error(ctx, "audit append failed", zap.Error(err))
		}
	}
	notify.Deliver(ctx, s.sink, notify.New(slot.Tenant, slot.ID, notify.KindReclaimed,
		"slot reclaimed after session expiry"))
}

// installDeps runs the interpreter's package installer against the manifest
// when one exists and its content changed since the last install. Installer
// output goes through a throwaway streamer so it is bounded like any other
// console output.
func (s *HostService) installDeps(ctx context.Context, rt *slotRuntime) error {
	manifest := rt.ws.FindManifest()
	if manifest == "" {
		return nil
	}
	hash := rt.ws.ManifestHash()
	rt.mu.Lock()
	installed := rt.manifestHash
	rt.mu.Unlock()
	if hash != "" && hash == installed {
		return nil
	}

	installCtx, cancel := context.WithTimeout(ctx, s.cfg.InstallTimeout)
	defer cancel()

	sink := console.NewStreamer(s.cfg.Console)
	defer sink.Close()

	handle, err := supervisor.Launch(installCtx, supervisor.Spec{
		WorkDir: rt.ws.Root(),
		Command: []string{s.cfg.Interpreter, "-m", "pip", "install", "--no-input", "-r", manifest},
	}, sink, s.cfg.Supervisor)
	if err != nil {
		return appErr.Wrap(err, appErr.DependencyInstall)
	}

	info, err := handle.Wait(installCtx)
	if err != nil {
		_, _ = handle.Stop(context.Background())
		return appErr.Wrapf(err, appErr.DependencyInstall, "dependency install timed out")
	}
	if info.Code != 0 {
		transcript, _ := sink.Transcript()
		return appErr.Newf(appErr.DependencyInstall,
			"installer exited with code %d: %s", info.Code, tail(transcript, 2000))
	}
	rt.mu.Lock()
	rt.manifestHash = hash
	rt.mu.Unlock()
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// startCommand resolves the argv: a Procfile override wins, otherwise the
// interpreter runs the best entry candidate.
func (s *HostService) startCommand(rt *slotRuntime) ([]string, error) {
	if argv, err := rt.ws.StartCommand(); err != nil {
		return nil, err
	} else if len(argv) > 0 {
		return argv, nil
	}
	candidates := rt.ws.EntryCandidates([]string{".py"})
	if len(candidates) == 0 {
		return nil, appErr.New(appErr.EntryFileNotFound).WithMessage("no runnable entry file in workspace")
	}
	return []string{s.cfg.Interpreter, candidates[0]}, nil
}
