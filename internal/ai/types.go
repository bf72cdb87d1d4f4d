// Package ai defines the capability interfaces for the external code
// analysis and code generation services, plus an HTTP chat-completions
// client implementing both. Tests substitute deterministic fakes.
package ai

import "context"

// ScanResult is the remote classifier's judgement of one file.
type ScanResult struct {
	Malicious bool
	Reason    string
}

// ScannerService classifies file content and console output.
type ScannerService interface {
	// ScanContent asks the classifier whether the file content is malicious.
	ScanContent(ctx context.Context, path string, content []byte) (ScanResult, error)

	// IsError reports whether the console transcript ends in a runtime error.
	IsError(ctx context.Context, consoleText string) (bool, error)
}

// FixResult is the generator's response to a fix request. Either Files is
// non-empty (a patch, possibly partial) or Statement carries a human-readable
// hint that only configuration needs tenant action.
type FixResult struct {
	Files     map[string]string
	Statement string
}

// GeneratorService synthesizes and repairs project files.
type GeneratorService interface {
	// Generate produces a full project from a natural-language prompt.
	Generate(ctx context.Context, prompt string) (map[string]string, error)

	// Fix produces patched files given the current file set and console text.
	Fix(ctx context.Context, files map[string]string, consoleText string) (FixResult, error)
}
