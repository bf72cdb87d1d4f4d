package workspace

import (
	"bufio"
	"bytes"
	"os"
	"sort"
	"strings"

	"github.com/google/shlex"

	appErr "hostbox/pkg/errors"
)

var manifestNames = []string{"requirements.txt", "requirement.txt"}

// FindManifest returns the relative path of the dependency manifest, or ""
// when the project carries none.
func (w *Workspace) FindManifest() string {
	for _, name := range manifestNames {
		if _, ok := w.Record(name); ok {
			return name
		}
		abs, err := w.resolveEntry(name)
		if err != nil {
			continue
		}
		if info, err := os.Stat(abs); err == nil && info.Mode().IsRegular() {
			return name
		}
	}
	return ""
}

// ManifestHash returns the content hash of the dependency manifest, or ""
// when there is none. Used to decide whether a fix round needs a reinstall.
func (w *Workspace) ManifestHash() string {
	name := w.FindManifest()
	if name == "" {
		return ""
	}
	abs, err := w.resolveEntry(name)
	if err != nil {
		return ""
	}
	hash, err := hashFile(abs)
	if err != nil {
		return ""
	}
	return hash
}

// ParseEnvFile parses KEY=VALUE lines. Blank lines and #-comments are
// skipped; values may be single- or double-quoted.
func ParseEnvFile(data []byte) map[string]string {
	env := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}
		env[key] = value
	}
	return env
}

// EnvFile reads and parses the workspace .env file. A missing file is not
// an error; it yields an empty map.
func (w *Workspace) EnvFile() (map[string]string, error) {
	data, err := w.ReadFileLimited(".env")
	if err != nil {
		if appErr.GetCode(err) == appErr.EntryFileNotFound {
			return map[string]string{}, nil
		}
		return nil, err
	}
	return ParseEnvFile(data), nil
}

// EnvKeys returns the key names (never values) of the workspace .env file,
// capped at limit, sorted. Tenants see which settings exist without exposing
// secrets.
func (w *Workspace) EnvKeys(limit int) ([]string, error) {
	env, err := w.EnvFile()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// StartCommand returns the argv from a Procfile-style "start:" line, or nil
// when the project declares no override. The line is tokenized with shell
// quoting rules but never passed through a shell.
func (w *Workspace) StartCommand() ([]string, error) {
	data, err := w.ReadFileLimited("Procfile")
	if err != nil {
		if appErr.GetCode(err) == appErr.EntryFileNotFound {
			return nil, nil
		}
		return nil, err
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, "start:")
		if !ok {
			continue
		}
		argv, err := shlex.Split(strings.TrimSpace(rest))
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.InvalidParams, "parse start command failed")
		}
		if len(argv) == 0 {
			return nil, nil
		}
		return argv, nil
	}
	return nil, nil
}
