//go:build linux

package service

import (
	"archive/zip"
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"hostbox/internal/ai"
	"hostbox/internal/host/console"
	"hostbox/internal/host/registry"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/supervisor"
	"hostbox/internal/host/watcher"
	pkgerrors "hostbox/pkg/errors"
)

type benignRemote struct{}

func (benignRemote) ScanContent(context.Context, string, []byte) (ai.ScanResult, error) {
	return ai.ScanResult{Malicious: false}, nil
}

func (benignRemote) IsError(context.Context, string) (bool, error) {
	return false, nil
}

func newTestService(t *testing.T) *HostService {
	t.Helper()
	cfg := Config{
		DataRoot:   t.TempDir(),
		Supervisor: supervisor.Config{StopGrace: 200 * time.Millisecond},
		Watcher:    watcher.Config{PollInterval: time.Hour},
		Console:    console.Config{FlushInterval: 10 * time.Millisecond},
	}
	return New(cfg, Deps{
		Registry: registry.New(registry.Config{}),
		Scanner:  scanner.New(benignRemote{}, nil, scanner.Config{}),
	})
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func provisionAndLaunch(t *testing.T, svc *HostService, tenant, start string) SlotView {
	t.Helper()
	archive := buildZip(t, map[string]string{"Procfile": "start: " + start + "\n"})
	view, err := svc.Provision(context.Background(), tenant, "proj", archive)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := svc.Launch(context.Background(), tenant, view.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	return view
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *HostService) testRuntime(t *testing.T, slotID string) *slotRuntime {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.runtimes[slotID]
	if !ok {
		t.Fatalf("slot %s has no runtime", slotID)
	}
	return rt
}

func TestStopCollectsBothTeardownHalves(t *testing.T) {
	svc := newTestService(t)
	view := provisionAndLaunch(t, svc, "tenant-a", `sh -c 'echo ready; sleep 60'`)

	waitFor(t, "process output", func() bool {
		text, _, err := svc.Transcript("tenant-a", view.ID)
		return err == nil && strings.Contains(text, "ready")
	})

	rt := svc.testRuntime(t, view.ID)
	rt.mu.Lock()
	handle, watch := rt.handle, rt.watch
	rt.mu.Unlock()

	if err := svc.Stop(context.Background(), "tenant-a", view.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	select {
	case <-handle.Done():
	default:
		t.Fatal("stop returned before the process barrier half")
	}
	select {
	case <-watch.Done():
	default:
		t.Fatal("stop returned before the watcher barrier half")
	}
	slot, err := svc.reg.Get("tenant-a", view.ID)
	if err != nil || slot.State != registry.StateStopped {
		t.Fatalf("slot = %+v, err = %v", slot, err)
	}

	if err := svc.Clear(context.Background(), "tenant-a", view.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := svc.reg.Get("tenant-a", view.ID); pkgerrors.GetCode(err) != pkgerrors.SlotNotFound {
		t.Fatalf("slot survived clear: %v", err)
	}
}

func TestStopDefeatsSigtermTrap(t *testing.T) {
	svc := newTestService(t)
	view := provisionAndLaunch(t, svc, "tenant-a", `sh -c 'trap "" TERM; echo ready; sleep 60'`)

	waitFor(t, "trap install", func() bool {
		text, _, err := svc.Transcript("tenant-a", view.ID)
		return err == nil && strings.Contains(text, "ready")
	})

	start := time.Now()
	if err := svc.Stop(context.Background(), "tenant-a", view.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop took %s against a signal-ignoring process", elapsed)
	}
	slot, err := svc.reg.Get("tenant-a", view.ID)
	if err != nil || slot.State != registry.StateStopped {
		t.Fatalf("slot = %+v, err = %v", slot, err)
	}
}

func TestSelfExitClosesConsoleAndClearReleases(t *testing.T) {
	svc := newTestService(t)
	view := provisionAndLaunch(t, svc, "tenant-a", `sh -c 'echo bye'`)

	ch, cancel, err := svc.Attach("tenant-a", view.ID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	defer cancel()

	waitFor(t, "self exit", func() bool {
		slot, err := svc.reg.Get("tenant-a", view.ID)
		return err == nil && slot.State == registry.StateStopped
	})

	// The console must end for attached clients once the process is gone.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for range ch {
		}
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber channel never closed after self-exit")
	}

	text, _, err := svc.Transcript("tenant-a", view.ID)
	if err != nil || !strings.Contains(text, "bye") {
		t.Fatalf("transcript after exit = %q, err = %v", text, err)
	}

	if err := svc.Clear(context.Background(), "tenant-a", view.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := svc.reg.Get("tenant-a", view.ID); pkgerrors.GetCode(err) != pkgerrors.SlotNotFound {
		t.Fatalf("slot survived clear: %v", err)
	}
}

func TestLaunchWhileRunningIsBusy(t *testing.T) {
	svc := newTestService(t)
	view := provisionAndLaunch(t, svc, "tenant-a", `sh -c 'sleep 60'`)
	defer func() {
		_ = svc.Clear(context.Background(), "tenant-a", view.ID)
	}()

	if err := svc.Launch(context.Background(), "tenant-a", view.ID); pkgerrors.GetCode(err) != pkgerrors.SlotBusy {
		t.Fatalf("expected SlotBusy, got %v", err)
	}
}
