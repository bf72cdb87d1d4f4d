package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostbox/internal/host/autofix"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/workspace"
	"hostbox/internal/notify"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// DevelopResult is the outcome of a generate-and-stabilize request.
type DevelopResult struct {
	Slot    SlotView        `json:"slot"`
	Outcome autofix.Outcome `json:"outcome"`
}

// Develop generates a project from a prompt into a fresh slot, launches it,
// and runs the bounded fix loop until the console looks healthy or the
// attempt budget is spent. The slot survives either way so the tenant can
// inspect it.
func (s *HostService) Develop(ctx context.Context, tenant, name, prompt string) (DevelopResult, error) {
	files, err := s.generator.Generate(ctx, prompt)
	if err != nil {
		return DevelopResult{}, err
	}

	slot, err := s.reg.Acquire(tenant, name)
	if err != nil {
		return DevelopResult{}, err
	}
	ws, err := workspace.New(s.slotDir(slot.ID), s.cfg.Workspace)
	if err != nil {
		s.reg.Release(slot.ID)
		return DevelopResult{}, err
	}
	rt := &slotRuntime{slot: slot, ws: ws}
	s.mu.Lock()
	s.runtimes[slot.ID] = rt
	s.mu.Unlock()

	fail := func(err error) (DevelopResult, error) {
		s.mu.Lock()
		delete(s.runtimes, slot.ID)
		s.mu.Unlock()
		_ = ws.Teardown()
		s.reg.Release(slot.ID)
		return DevelopResult{}, err
	}

	if err := s.applyScanned(ctx, rt, files); err != nil {
		return fail(err)
	}
	if err := s.Launch(ctx, tenant, slot.ID); err != nil {
		return fail(err)
	}

	outcome, err := s.fixer.Run(ctx, &slotFixRuntime{svc: s, rt: rt, window: s.cfg.Autofix.ObserveWindow})
	result := DevelopResult{Outcome: outcome}
	if err != nil {
		// The loop failed but the slot is live state the tenant owns now;
		// report the error with whatever was achieved.
		logger.Warn(ctx, "develop loop ended with error",
			zap.String("slot", slot.ID),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(err))
		result.Slot = s.view(ctx, rt)
		return result, err
	}
	if outcome.Statement != "" {
		notify.Deliver(ctx, s.sink, notify.New(tenant, slot.ID, notify.KindStatement, outcome.Statement))
	}
	result.Slot = s.view(ctx, rt)
	return result, nil
}

// applyScanned writes files through the scan pipeline: every written file is
// scanned, blocked ones are quarantined, and a blocked entry file fails the
// whole apply.
func (s *HostService) applyScanned(ctx context.Context, rt *slotRuntime, files map[string]string) error {
	records, err := rt.ws.WriteFiles(files)
	if err != nil {
		return err
	}

	targets := make([]scanner.ScanFile, 0, len(records))
	for _, rec := range records {
		targets = append(targets, scanner.ScanFile{
			Path:    rec.Path,
			Content: []byte(files[rec.Path]),
			Hash:    rec.ContentHash,
		})
	}

	seq := s.scan.NextSeq()
	verdicts := s.scan.Scan(ctx, targets, nil)
	for path, verdict := range verdicts {
		if !rt.ws.ApplyVerdict(path, verdict, seq) || !verdict.Blocks() {
			continue
		}
		if err := rt.ws.Quarantine(path); err != nil {
			return err
		}
		notify.Deliver(ctx, s.sink, notify.New(rt.slot.Tenant, rt.slot.ID, notify.KindQuarantine,
			"generated file "+path+" was removed: "+verdict.Reason))
		return appErr.Newf(appErr.MaliciousFileDetected,
			"generated file %s blocked: %s", path, verdict.Reason)
	}
	return nil
}

// slotFixRuntime adapts a live slot to the autofix Runtime interface.
type slotFixRuntime struct {
	svc    *HostService
	rt     *slotRuntime
	window time.Duration
}

func (f *slotFixRuntime) Observe(ctx context.Context) (string, error) {
	f.rt.mu.Lock()
	handle := f.rt.handle
	streamer := f.rt.streamer
	f.rt.mu.Unlock()
	if streamer == nil {
		return "", appErr.New(appErr.SlotNotRunning)
	}

	timer := time.NewTimer(f.window)
	defer timer.Stop()
	if handle != nil {
		select {
		case <-timer.C:
		case <-handle.Done():
			// Early exit: judge whatever output exists.
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	transcript, _ := streamer.Transcript()
	return transcript, nil
}

func (f *slotFixRuntime) ApplyFiles(ctx context.Context, files map[string]string) error {
	return f.svc.applyScanned(ctx, f.rt, files)
}

func (f *slotFixRuntime) ProjectFiles(_ context.Context) (map[string]string, error) {
	return f.rt.ws.FileSet()
}

func (f *slotFixRuntime) Relaunch(ctx context.Context) error {
	tenant, slotID := f.rt.slot.Tenant, f.rt.slot.ID
	if err := f.svc.Stop(ctx, tenant, slotID); err != nil &&
		appErr.GetCode(err) != appErr.SlotNotRunning {
		return err
	}
	// Launch reinstalls dependencies when the fix changed the manifest.
	return f.svc.Launch(ctx, tenant, slotID)
}
