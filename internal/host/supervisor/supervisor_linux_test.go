//go:build linux

package supervisor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	pkgerrors "hostbox/pkg/errors"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLaunchCapturesCombinedOutput(t *testing.T) {
	sink := &lockedBuffer{}
	h, err := Launch(context.Background(), Spec{
		WorkDir: t.TempDir(),
		Command: []string{"sh", "-c", "echo out; echo err 1>&2"},
	}, sink, Config{})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	info, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if info.Code != 0 {
		t.Fatalf("exit code = %d", info.Code)
	}
	out := sink.String()
	if !strings.Contains(out, "out") || !strings.Contains(out, "err") {
		t.Fatalf("combined output = %q", out)
	}
	if h.State() != StateExited {
		t.Fatalf("state = %s", h.State())
	}
}

func TestLaunchScrubsEnvironment(t *testing.T) {
	t.Setenv("HOSTBOX_SECRET", "topsecret")

	sink := &lockedBuffer{}
	h, err := Launch(context.Background(), Spec{
		WorkDir: t.TempDir(),
		Command: []string{"sh", "-c", "echo secret=${HOSTBOX_SECRET:-unset} extra=${EXTRA:-unset}"},
		ExtraEnv: map[string]string{
			"EXTRA": "fromenvfile",
		},
	}, sink, Config{})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}

	out := sink.String()
	if !strings.Contains(out, "secret=unset") {
		t.Fatalf("ambient variable leaked into the guest: %q", out)
	}
	if !strings.Contains(out, "extra=fromenvfile") {
		t.Fatalf("extra env not applied: %q", out)
	}
}

func TestStopEscalatesToKill(t *testing.T) {
	sink := &lockedBuffer{}
	h, err := Launch(context.Background(), Spec{
		WorkDir: t.TempDir(),
		Command: []string{"sh", "-c", `trap "" TERM; echo ready; sleep 60`},
	}, sink, Config{StopGrace: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}

	// Let the trap install before signalling.
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(sink.String(), "ready") {
		if time.Now().After(deadline) {
			t.Fatal("process never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	start := time.Now()
	info, err := h.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop took %s, escalation did not fire", elapsed)
	}
	if !info.Requested {
		t.Fatal("exit must be marked as requested")
	}
	if h.State() != StateStopped {
		t.Fatalf("state = %s", h.State())
	}
}

func TestStopAfterExitReportsAlreadyExited(t *testing.T) {
	sink := &lockedBuffer{}
	h, err := Launch(context.Background(), Spec{
		WorkDir: t.TempDir(),
		Command: []string{"sh", "-c", "exit 3"},
	}, sink, Config{})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	info, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if info.Code != 3 {
		t.Fatalf("exit code = %d", info.Code)
	}
	if h.State() != StateCrashed {
		t.Fatalf("state = %s", h.State())
	}

	if _, err := h.Stop(context.Background()); pkgerrors.GetCode(err) != pkgerrors.ProcessAlreadyExited {
		t.Fatalf("expected ProcessAlreadyExited, got %v", err)
	}
}

func TestLaunchEmptyCommandFails(t *testing.T) {
	_, err := Launch(context.Background(), Spec{WorkDir: t.TempDir()}, &lockedBuffer{}, Config{})
	if pkgerrors.GetCode(err) != pkgerrors.ProcessLaunchFailed {
		t.Fatalf("expected ProcessLaunchFailed, got %v", err)
	}
}
