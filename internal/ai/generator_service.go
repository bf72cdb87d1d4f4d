package ai

import (
	"context"
	"encoding/json"
	"fmt"

	appErr "hostbox/pkg/errors"
)

const generatePromptTemplate = `You are a project generator. Produce a complete, runnable project for the request below. Respond ONLY with valid JSON of the form: {"files": [{"file_name": "...", "content": "..."}]}

Include every file needed to run the project, including the dependency manifest and a .env template when configuration is required. The entry file must be named main.py.

Request:
%s`

const fixPromptTemplate = `You are a code repair assistant. The project below failed at runtime. Fix the error shown in the console output. Respond ONLY with valid JSON: either {"files": [{"file_name": "...", "content": "..."}]} containing only the files that need to change, or {"statement": "..."} when no code change helps and the tenant must adjust configuration or credentials.

Project files:
%s

Console output:
%s`

// RemoteGenerator implements GeneratorService on top of the chat client.
type RemoteGenerator struct {
	client *Client
}

// NewRemoteGenerator creates a generator backed by the chat client.
func NewRemoteGenerator(client *Client) *RemoteGenerator {
	return &RemoteGenerator{client: client}
}

type filesReply struct {
	Files []struct {
		FileName string `json:"file_name"`
		Content  string `json:"content"`
	} `json:"files"`
	Statement string `json:"statement"`
}

func parseFilesReply(raw string) (filesReply, error) {
	var reply filesReply
	if err := json.Unmarshal([]byte(extractJSON(raw)), &reply); err != nil {
		return filesReply{}, appErr.Wrapf(err, appErr.InvalidFormat, "parse generator reply failed")
	}
	return reply, nil
}

func (g *RemoteGenerator) Generate(ctx context.Context, prompt string) (map[string]string, error) {
	full := fmt.Sprintf(generatePromptTemplate, prompt)

	raw, err := g.client.Complete(ctx, full)
	if err != nil {
		raw, err = g.client.Complete(ctx, full)
	}
	if err != nil {
		return nil, appErr.Wrap(err, appErr.GenerationFailed)
	}

	reply, err := parseFilesReply(raw)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.GenerationFailed)
	}
	if len(reply.Files) == 0 {
		return nil, appErr.New(appErr.GenerationFailed).WithMessage("generator returned no files")
	}

	files := make(map[string]string, len(reply.Files))
	for _, f := range reply.Files {
		if f.FileName == "" {
			continue
		}
		files[f.FileName] = f.Content
	}
	return files, nil
}

func (g *RemoteGenerator) Fix(ctx context.Context, files map[string]string, consoleText string) (FixResult, error) {
	full := fmt.Sprintf(fixPromptTemplate, fmtFileSet(files), consoleText)

	raw, err := g.client.Complete(ctx, full)
	if err != nil {
		raw, err = g.client.Complete(ctx, full)
	}
	if err != nil {
		return FixResult{}, appErr.Wrap(err, appErr.FixRequestFailed)
	}

	reply, err := parseFilesReply(raw)
	if err != nil {
		return FixResult{}, appErr.Wrap(err, appErr.FixRequestFailed)
	}

	result := FixResult{Statement: reply.Statement}
	if len(reply.Files) > 0 {
		result.Files = make(map[string]string, len(reply.Files))
		for _, f := range reply.Files {
			if f.FileName == "" {
				continue
			}
			result.Files[f.FileName] = f.Content
		}
	}
	if len(result.Files) == 0 && result.Statement == "" {
		return FixResult{}, appErr.New(appErr.FixRequestFailed).WithMessage("generator returned neither files nor statement")
	}
	return result, nil
}
