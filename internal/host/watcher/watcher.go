// Package watcher polls a running slot's workspace for files the guest
// process created or modified, scans them, and quarantines anything the
// pipeline blocks. Each quarantined file produces exactly one audit entry
// and one tenant notification; the deletion stands even when both fail.
package watcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostbox/internal/host/audit"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/workspace"
	"hostbox/internal/notify"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// Config holds watcher settings.
type Config struct {
	// PollInterval is the time between workspace sweeps.
	PollInterval time.Duration `yaml:"pollInterval"`
	// Debounce skips files modified more recently than this, so a file the
	// guest is still writing is not scanned half-formed. A file that keeps
	// changing is picked up on a later tick.
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfig returns watcher defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 12 * time.Second,
		Debounce:     2 * time.Second,
	}
}

// Watcher guards one slot's workspace while its process runs.
type Watcher struct {
	cfg      Config
	tenant   string
	slotID   string
	ws       *workspace.Workspace
	scan     *scanner.Scanner
	recorder *audit.Recorder
	sink     notify.Sink

	seen map[string]string // rel path → content hash at last scan
	done chan struct{}
}

// New creates a watcher for one slot.
func New(tenant, slotID string, ws *workspace.Workspace, scan *scanner.Scanner, recorder *audit.Recorder, sink notify.Sink, cfg Config) *Watcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Debounce < 0 {
		cfg.Debounce = def.Debounce
	}
	return &Watcher{
		cfg:      cfg,
		tenant:   tenant,
		slotID:   slotID,
		ws:       ws,
		scan:     scan,
		recorder: recorder,
		sink:     sink,
		seen:     make(map[string]string),
		done:     make(chan struct{}),
	}
}

// Prime records the current workspace content as already-scanned, so the
// first tick only reacts to files the guest creates after launch.
func (w *Watcher) Prime() error {
	infos, err := w.ws.Snapshot()
	if err != nil {
		return err
	}
	for _, info := range infos {
		w.seen[info.RelPath] = info.Hash
	}
	return nil
}

// Run polls until ctx is cancelled, then closes Done. The caller's teardown
// barrier waits on Done before releasing the slot.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Tick(ctx); err != nil {
				if appErr.GetCode(err) == appErr.WorkspaceTornDown {
					return
				}
				logger.Warn(ctx, "watcher tick failed",
					zap.String("slot", w.slotID), zap.Error(err))
			}
		}
	}
}

// Done is closed when the watcher loop has fully exited.
func (w *Watcher) Done() <-chan struct{} {
	return w.done
}

// Tick runs one sweep: diff the workspace against the last-seen set, scan
// anything new or changed, quarantine what the pipeline blocks.
func (w *Watcher) Tick(ctx context.Context) error {
	infos, err := w.ws.Snapshot()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-w.cfg.Debounce)
	var targets []scanner.ScanFile
	for _, info := range infos {
		if prev, ok := w.seen[info.RelPath]; ok && prev == info.Hash {
			continue
		}
		if info.ModTime.After(cutoff) {
			// Still settling; next tick will see it.
			continue
		}
		content, err := w.ws.ReadFileLimited(info.RelPath)
		if err != nil {
			if appErr.GetCode(err) == appErr.EntryFileNotFound {
				continue
			}
			return err
		}
		w.ws.Track(info.RelPath, info.Hash)
		targets = append(targets, scanner.ScanFile{
			Path:    info.RelPath,
			Content: content,
			Hash:    info.Hash,
		})
		w.seen[info.RelPath] = info.Hash
	}
	if len(targets) == 0 {
		return nil
	}

	seq := w.scan.NextSeq()
	verdicts := w.scan.Scan(ctx, targets, nil)
	for path, verdict := range verdicts {
		if !w.ws.ApplyVerdict(path, verdict, seq) {
			// A newer scan already decided this file.
			continue
		}
		if !verdict.Blocks() {
			continue
		}
		w.quarantine(ctx, path, verdict)
	}
	return nil
}

// quarantine deletes the file, then records the audit entry and sends the
// single tenant notification. Failures after the deletion are logged; the
// file stays gone.
func (w *Watcher) quarantine(ctx context.Context, path string, verdict scanner.Verdict) {
	if err := w.ws.Quarantine(path); err != nil {
		logger.Error(ctx, "quarantine failed",
			zap.String("slot", w.slotID), zap.String("path", path), zap.Error(err))
		return
	}
	delete(w.seen, path)
	logger.Info(ctx, "file quarantined",
		zap.String("slot", w.slotID),
		zap.String("path", path),
		zap.String("kind", string(verdict.Kind)),
		zap.String("reason", verdict.Reason))

	if w.recorder != nil {
		entry := audit.NewEntry(w.tenant, w.slotID, path, audit.ActionQuarantine, verdict.Reason)
		if err := w.recorder.Record(ctx, entry); err != nil {
			logger.Error(ctx, "audit append failed", zap.String("path", path), zap.Error(err))
		}
	}

	n := notify.New(w.tenant, w.slotID, notify.KindQuarantine,
		"file "+path+" was removed: "+verdict.Reason)
	notify.Deliver(ctx, w.sink, n)
}
