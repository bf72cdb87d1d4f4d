// Package repl implements the interactive hostbox shell: slot uploads,
// lifecycle commands, console transcripts, and the develop flow, all against
// the daemon's HTTP API.
package repl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/google/shlex"

	"hostbox/internal/cli/httpclient"
	"hostbox/internal/cli/state"
)

// Session holds REPL state.
type Session struct {
	client     *httpclient.Client
	tokenState *state.TokenState
	statePath  string
	prettyJSON bool
	rl         *readline.Instance
}

func New(client *httpclient.Client, tokenState *state.TokenState, statePath, historyPath string, prettyJSON bool) (*Session, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "hostbox> ",
		HistoryFile:     historyPath,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("init readline failed: %w", err)
	}
	return &Session{
		client:     client,
		tokenState: tokenState,
		statePath:  statePath,
		prettyJSON: prettyJSON,
		rl:         rl,
	}, nil
}

func completer() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("upload"),
		readline.PcItem("develop"),
		readline.PcItem("launch"),
		readline.PcItem("stop"),
		readline.PcItem("clear"),
		readline.PcItem("clear-all"),
		readline.PcItem("console"),
		readline.PcItem("audit"),
		readline.PcItem("set",
			readline.PcItem("base"),
			readline.PcItem("timeout"),
			readline.PcItem("token"),
		),
		readline.PcItem("show", readline.PcItem("token")),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

func (s *Session) Run(ctx context.Context) {
	defer func() { _ = s.rl.Close() }()
	for {
		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			if errors.Is(err, io.EOF) {
				s.printLine("bye")
				return
			}
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if err := s.dispatch(ctx, line); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) dispatch(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}

	switch tokens[0] {
	case "help":
		s.printHelp()
		return nil
	case "set":
		return s.handleSet(tokens[1:])
	case "show":
		return s.handleShow(tokens[1:])
	case "status":
		return s.get(ctx, "/api/v1/status")
	case "upload":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: upload <archive.zip> [name]")
		}
		name := ""
		if len(tokens) > 2 {
			name = tokens[2]
		}
		resp, err := s.client.Upload(ctx, "/api/v1/slots", tokens[1], name)
		if err != nil {
			return err
		}
		s.renderResponse(resp)
		return nil
	case "develop":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: develop \"<prompt>\" [name]")
		}
		req := map[string]string{"prompt": tokens[1]}
		if len(tokens) > 2 {
			req["name"] = tokens[2]
		}
		body, _ := json.Marshal(req)
		return s.do(ctx, http.MethodPost, "/api/v1/slots/develop", body)
	case "launch":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: launch <slot-id>")
		}
		return s.do(ctx, http.MethodPost, "/api/v1/slots/"+tokens[1]+"/launch", nil)
	case "stop":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: stop <slot-id>")
		}
		return s.do(ctx, http.MethodPost, "/api/v1/slots/"+tokens[1]+"/stop", nil)
	case "clear":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: clear <slot-id>")
		}
		return s.do(ctx, http.MethodDelete, "/api/v1/slots/"+tokens[1], nil)
	case "clear-all":
		return s.do(ctx, http.MethodDelete, "/api/v1/slots", nil)
	case "console":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: console <slot-id>")
		}
		return s.get(ctx, "/api/v1/slots/"+tokens[1]+"/transcript")
	case "audit":
		if len(tokens) < 2 {
			return fmt.Errorf("usage: audit <slot-id>")
		}
		return s.get(ctx, "/api/v1/slots/"+tokens[1]+"/audit")
	default:
		return fmt.Errorf("unknown command: %s", tokens[0])
	}
}

func (s *Session) get(ctx context.Context, path string) error {
	return s.do(ctx, http.MethodGet, path, nil)
}

func (s *Session) do(ctx context.Context, method, path string, body []byte) error {
	resp, err := s.client.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	s.renderResponse(resp)
	return nil
}

func (s *Session) handleSet(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: set base|timeout|token <value>")
	}
	switch args[0] {
	case "base":
		s.client.SetBaseURL(args[1])
		s.printLine("base set to %s", args[1])
	case "timeout":
		dur, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "token":
		s.tokenState.AccessToken = args[1]
		if err := state.Save(s.statePath, *s.tokenState); err != nil {
			return fmt.Errorf("save token failed: %w", err)
		}
		s.printLine("token updated")
	default:
		return fmt.Errorf("unknown set command: %s", args[0])
	}
	return nil
}

func (s *Session) handleShow(args []string) error {
	if len(args) == 0 || args[0] != "token" {
		return fmt.Errorf("usage: show token")
	}
	token := s.tokenState.AccessToken
	if token == "" {
		s.printLine("token: <empty>")
		return nil
	}
	if len(token) > 12 {
		token = token[:6] + "..." + token[len(token)-4:]
	}
	s.printLine("token: %s", token)
	return nil
}

func (s *Session) renderResponse(resp httpclient.ResponseInfo) {
	s.printLine("HTTP %d (%s)", resp.StatusCode, resp.Duration)
	if len(resp.Body) == 0 {
		return
	}
	if s.prettyJSON {
		var raw interface{}
		if err := json.Unmarshal(resp.Body, &raw); err == nil {
			formatted, _ := json.MarshalIndent(raw, "", "  ")
			s.printLine("%s", string(formatted))
			return
		}
	}
	s.printLine("%s", string(resp.Body))
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine("  status                         show slots and host load")
	s.printLine("  upload <archive.zip> [name]    ingest an archive into a new slot")
	s.printLine("  develop \"<prompt>\" [name]      generate a project and stabilize it")
	s.printLine("  launch|stop|clear <slot-id>    control a slot's process")
	s.printLine("  clear-all                      tear down every slot")
	s.printLine("  console <slot-id>              print the retained console output")
	s.printLine("  audit <slot-id>                list recent audit entries")
	s.printLine("system: set base|timeout|token, show token, help, exit")
}

func (s *Session) printLine(format string, args ...interface{}) {
	fmt.Fprintf(s.rl.Stdout(), format+"\n", args...)
}
