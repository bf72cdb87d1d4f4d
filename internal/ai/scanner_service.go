package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appErr "hostbox/pkg/errors"
	"hostbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const scanPromptTemplate = `You are a security assistant. Check the code below for malicious or dangerous behavior and respond ONLY with valid JSON of the form: {"type": "malicious" or "normal", "statement": "brief explanation"}

Flag as malicious when the code performs any of the following:
- Executes shell or system commands (os.system, subprocess, popen, exec, eval, system calls, etc.)
- Reads/writes/modifies files outside its project directory or accesses host system paths
- Spawns background processes, opens arbitrary network tunnels, or attempts privilege escalation
- Uses obfuscated or encoded code to hide execution intent

Allowed/benign code includes:
- Hardcoded tokens or API keys (this is allowed - mark as "normal")
- Well-scoped file access within the project directory
- Obvious library imports required for normal operation

Here is the code to analyze:
<code>
%s
</code>

Respond ONLY with JSON exactly like: {"type": "malicious" or "normal", "statement": "brief explanation"}`

const errorCheckPromptTemplate = `You are a runtime diagnostics assistant. Below is the console output of a program. Decide whether the program failed with an error (crash, traceback, unhandled exception, fatal message). Respond ONLY with valid JSON of the form: {"is_error": true or false}

<console>
%s
</console>`

// RemoteScanner implements ScannerService on top of the chat client.
type RemoteScanner struct {
	client *Client
}

// NewRemoteScanner creates a classifier backed by the chat client.
func NewRemoteScanner(client *Client) *RemoteScanner {
	return &RemoteScanner{client: client}
}

type scanReply struct {
	Type      string `json:"type"`
	Statement string `json:"statement"`
}

func (s *RemoteScanner) ScanContent(ctx context.Context, path string, content []byte) (ScanResult, error) {
	prompt := fmt.Sprintf(scanPromptTemplate, string(content))

	// One retry at the call site, then surface the failure.
	raw, err := s.client.Complete(ctx, prompt)
	if err != nil {
		raw, err = s.client.Complete(ctx, prompt)
	}
	if err != nil {
		return ScanResult{}, appErr.Wrapf(err, appErr.ScanServiceUnavailable, "scan %s failed", path)
	}

	var reply scanReply
	if jerr := json.Unmarshal([]byte(extractJSON(raw)), &reply); jerr != nil {
		// Malformed JSON: fall back to keyword detection, matching the
		// classifier's loose output contract.
		if strings.Contains(strings.ToLower(raw), "malicious") {
			return ScanResult{Malicious: true, Reason: "classifier flagged potential malicious code"}, nil
		}
		logger.Warn(ctx, "unparseable scan reply", zap.String("path", path), zap.Error(jerr))
		return ScanResult{}, appErr.Wrapf(jerr, appErr.InvalidFormat, "parse scan reply for %s failed", path)
	}

	return ScanResult{
		Malicious: strings.EqualFold(reply.Type, "malicious"),
		Reason:    reply.Statement,
	}, nil
}

type errorReply struct {
	IsError bool `json:"is_error"`
}

func (s *RemoteScanner) IsError(ctx context.Context, consoleText string) (bool, error) {
	prompt := fmt.Sprintf(errorCheckPromptTemplate, consoleText)

	raw, err := s.client.Complete(ctx, prompt)
	if err != nil {
		raw, err = s.client.Complete(ctx, prompt)
	}
	if err != nil {
		return false, appErr.Wrap(err, appErr.ErrorCheckFailed)
	}

	var reply errorReply
	if jerr := json.Unmarshal([]byte(extractJSON(raw)), &reply); jerr != nil {
		return false, appErr.Wrap(jerr, appErr.ErrorCheckFailed)
	}
	return reply.IsError, nil
}
