// Package autofix runs the bounded run → diagnose → fix loop after a
// generated or uploaded project is launched. At most MaxAttempts fix rounds
// are consumed; a round only counts when a fix was actually applied and the
// project relaunched.
package autofix

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hostbox/internal/ai"
	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"
)

// MaxAttempts caps fix rounds per develop request.
const MaxAttempts = 2

// Runtime is what the orchestrator needs from the hosting side: relaunching
// the project, observing its console, and applying file changes. The service
// layer implements it against real slots; tests implement it with fakes.
type Runtime interface {
	// Relaunch restarts the guest process, reinstalling dependencies first
	// when the manifest changed since the last install.
	Relaunch(ctx context.Context) error
	// Observe waits for the observation window and returns the console
	// transcript collected since the last relaunch.
	Observe(ctx context.Context) (string, error)
	// ApplyFiles writes fixed files into the workspace, subject to the
	// same scan pipeline as any other content.
	ApplyFiles(ctx context.Context, files map[string]string) error
	// ProjectFiles returns the current file set for the fix prompt.
	ProjectFiles(ctx context.Context) (map[string]string, error)
}

// Outcome summarizes a develop loop.
type Outcome struct {
	// Healthy is true when the final observation showed no error.
	Healthy bool
	// Attempts is how many fix rounds were consumed.
	Attempts int
	// Statement carries the generator's explanation when it declined to
	// change code (missing credentials, misconfiguration).
	Statement string
	// LastConsole is the transcript from the final observation.
	LastConsole string
}

// Config holds loop settings.
type Config struct {
	// ObserveWindow is how long a freshly launched process runs before its
	// console is judged.
	ObserveWindow time.Duration `yaml:"observeWindow"`
}

// DefaultConfig returns autofix defaults.
func DefaultConfig() Config {
	return Config{ObserveWindow: 15 * time.Second}
}

// Orchestrator drives the fix loop.
type Orchestrator struct {
	scanner   ai.ScannerService
	generator ai.GeneratorService
	cfg       Config
}

// New creates an orchestrator.
func New(sc ai.ScannerService, gen ai.GeneratorService, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.ObserveWindow <= 0 {
		cfg.ObserveWindow = def.ObserveWindow
	}
	return &Orchestrator{scanner: sc, generator: gen, cfg: cfg}
}

// Run executes the loop against an already-launched project. The process is
// observed, its console judged, and when it looks broken a fix is requested,
// applied, and the project relaunched. The loop ends when the console looks
// healthy, the generator answers with a statement instead of code, or the
// attempt budget is spent.
func (o *Orchestrator) Run(ctx context.Context, rt Runtime) (Outcome, error) {
	out := Outcome{}
	for {
		consoleText, err := rt.Observe(ctx)
		if err != nil {
			return out, err
		}
		out.LastConsole = consoleText

		isError, err := o.scanner.IsError(ctx, consoleText)
		if err != nil {
			// Diagnosis failure is not a failed fix round; surface it
			// without consuming the budget.
			return out, appErr.Wrap(err, appErr.ErrorCheckFailed)
		}
		if !isError {
			out.Healthy = true
			return out, nil
		}
		if out.Attempts >= MaxAttempts {
			return out, appErr.Newf(appErr.FixAttemptsExhausted,
				"project still failing after %d fix attempts", out.Attempts)
		}

		files, err := rt.ProjectFiles(ctx)
		if err != nil {
			return out, err
		}
		fix, err := o.generator.Fix(ctx, files, consoleText)
		if err != nil {
			return out, err
		}
		if len(fix.Files) == 0 {
			// The generator says no code change helps. Stop without a
			// relaunch; the tenant has to act.
			out.Statement = fix.Statement
			return out, nil
		}

		logger.Info(ctx, "applying fix round",
			zap.Int("attempt", out.Attempts+1),
			zap.Int("files", len(fix.Files)))
		if err := rt.ApplyFiles(ctx, fix.Files); err != nil {
			return out, err
		}
		if err := rt.Relaunch(ctx); err != nil {
			return out, err
		}
		out.Attempts++
	}
}
