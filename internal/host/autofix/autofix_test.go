package autofix

import (
	"context"
	"errors"
	"testing"
	"time"

	"hostbox/internal/ai"
	pkgerrors "hostbox/pkg/errors"
)

type fakeJudge struct {
	verdicts []bool // consumed per IsError call
	calls    int
	err      error
}

func (f *fakeJudge) ScanContent(context.Context, string, []byte) (ai.ScanResult, error) {
	return ai.ScanResult{}, nil
}

func (f *fakeJudge) IsError(context.Context, string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	idx := f.calls
	f.calls++
	if idx < len(f.verdicts) {
		return f.verdicts[idx], nil
	}
	return false, nil
}

type fakeGenerator struct {
	fixes    []ai.FixResult
	fixCalls int
	fixErr   error
}

func (f *fakeGenerator) Generate(context.Context, string) (map[string]string, error) {
	return map[string]string{"main.py": "print('generated')"}, nil
}

func (f *fakeGenerator) Fix(context.Context, map[string]string, string) (ai.FixResult, error) {
	if f.fixErr != nil {
		return ai.FixResult{}, f.fixErr
	}
	idx := f.fixCalls
	f.fixCalls++
	if idx < len(f.fixes) {
		return f.fixes[idx], nil
	}
	return ai.FixResult{Files: map[string]string{"main.py": "print('patched')"}}, nil
}

type fakeRuntime struct {
	relaunches int
	applied    []map[string]string
	console    string
	applyErr   error
}

func (f *fakeRuntime) Relaunch(context.Context) error {
	f.relaunches++
	return nil
}

func (f *fakeRuntime) Observe(context.Context) (string, error) {
	return f.console, nil
}

func (f *fakeRuntime) ApplyFiles(_ context.Context, files map[string]string) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, files)
	return nil
}

func (f *fakeRuntime) ProjectFiles(context.Context) (map[string]string, error) {
	return map[string]string{"main.py": "print('current')"}, nil
}

func newOrchestrator(judge ai.ScannerService, gen ai.GeneratorService) *Orchestrator {
	return New(judge, gen, Config{ObserveWindow: time.Millisecond})
}

func TestHealthyConsoleStopsImmediately(t *testing.T) {
	judge := &fakeJudge{verdicts: []bool{false}}
	rt := &fakeRuntime{console: "listening on :8080"}

	out, err := newOrchestrator(judge, &fakeGenerator{}).Run(context.Background(), rt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Healthy || out.Attempts != 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if rt.relaunches != 0 {
		t.Fatalf("relaunches = %d", rt.relaunches)
	}
}

func TestPersistentErrorConsumesExactlyTwoAttempts(t *testing.T) {
	judge := &fakeJudge{verdicts: []bool{true, true, true}}
	gen := &fakeGenerator{}
	rt := &fakeRuntime{console: "Traceback (most recent call last)"}

	out, err := newOrchestrator(judge, gen).Run(context.Background(), rt)
	if pkgerrors.GetCode(err) != pkgerrors.FixAttemptsExhausted {
		t.Fatalf("expected FixAttemptsExhausted, got %v", err)
	}
	if out.Healthy {
		t.Fatal("outcome must not be healthy")
	}
	if out.Attempts != MaxAttempts {
		t.Fatalf("attempts = %d, want %d", out.Attempts, MaxAttempts)
	}
	if rt.relaunches != MaxAttempts {
		t.Fatalf("relaunches = %d, want %d", rt.relaunches, MaxAttempts)
	}
	if gen.fixCalls != MaxAttempts {
		t.Fatalf("fix calls = %d, want %d", gen.fixCalls, MaxAttempts)
	}
}

func TestSecondFixResolvesTheError(t *testing.T) {
	judge := &fakeJudge{verdicts: []bool{true, true, false}}
	rt := &fakeRuntime{console: "KeyError: 'TOKEN'"}

	out, err := newOrchestrator(judge, &fakeGenerator{}).Run(context.Background(), rt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Healthy || out.Attempts != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if rt.relaunches != 2 {
		t.Fatalf("relaunches = %d", rt.relaunches)
	}
}

func TestStatementStopsWithoutRelaunch(t *testing.T) {
	judge := &fakeJudge{verdicts: []bool{true}}
	gen := &fakeGenerator{fixes: []ai.FixResult{{Statement: "set DISCORD_TOKEN in .env"}}}
	rt := &fakeRuntime{console: "discord.errors.LoginFailure"}

	out, err := newOrchestrator(judge, gen).Run(context.Background(), rt)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Statement != "set DISCORD_TOKEN in .env" {
		t.Fatalf("statement = %q", out.Statement)
	}
	if out.Attempts != 0 {
		t.Fatalf("attempts = %d, a statement consumes no attempt", out.Attempts)
	}
	if rt.relaunches != 0 || len(rt.applied) != 0 {
		t.Fatal("statement must not change or relaunch the project")
	}
}

func TestDiagnosisFailureDoesNotConsumeAttempts(t *testing.T) {
	judge := &fakeJudge{err: errors.New("classifier down")}
	rt := &fakeRuntime{console: "anything"}

	out, err := newOrchestrator(judge, &fakeGenerator{}).Run(context.Background(), rt)
	if pkgerrors.GetCode(err) != pkgerrors.ErrorCheckFailed {
		t.Fatalf("expected ErrorCheckFailed, got %v", err)
	}
	if out.Attempts != 0 || rt.relaunches != 0 {
		t.Fatalf("outcome = %+v, relaunches = %d", out, rt.relaunches)
	}
}

func TestFixRequestFailureSurfaces(t *testing.T) {
	judge := &fakeJudge{verdicts: []bool{true}}
	gen := &fakeGenerator{fixErr: errors.New("model unavailable")}
	rt := &fakeRuntime{console: "Traceback"}

	out, err := newOrchestrator(judge, gen).Run(context.Background(), rt)
	if err == nil {
		t.Fatal("expected error")
	}
	if out.Attempts != 0 || rt.relaunches != 0 {
		t.Fatalf("failed fix request must not count as an attempt: %+v", out)
	}
}
