package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hostbox/internal/host/scanner"
	appErr "hostbox/pkg/errors"
)

// FileInfo is one entry of a workspace snapshot.
type FileInfo struct {
	RelPath string
	Hash    string
	ModTime time.Time
}

// Snapshot walks the workspace and returns every regular file with its
// content hash. Used by the watcher to diff against the record set.
func (w *Workspace) Snapshot() ([]FileInfo, error) {
	w.mu.Lock()
	if w.tornDown {
		w.mu.Unlock()
		return nil, appErr.New(appErr.WorkspaceTornDown)
	}
	root := w.root
	w.mu.Unlock()

	var infos []FileInfo
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Files can vanish mid-walk while the guest process runs.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		hash, err := hashFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		infos = append(infos, FileInfo{
			RelPath: filepath.ToSlash(rel),
			Hash:    hash,
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "workspace snapshot failed")
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].RelPath < infos[j].RelPath })
	return infos, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Record returns a copy of the record for path, if one exists.
func (w *Workspace) Record(path string) (FileRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[relPath(path)]
	if !ok {
		return FileRecord{}, false
	}
	return *rec, true
}

// Track registers a file observed on disk (for example by the watcher) that
// was not ingested through an archive.
func (w *Workspace) Track(path, hash string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tornDown {
		return
	}
	rel := relPath(path)
	rec, ok := w.records[rel]
	if !ok {
		w.records[rel] = &FileRecord{Path: rel, ContentHash: hash, LastSeenAt: time.Now()}
		return
	}
	if rec.ContentHash != hash {
		rec.ContentHash = hash
		rec.quarantined = false
	}
	rec.LastSeenAt = time.Now()
}

// ApplyVerdict records a scan result stamped with seq. A result older than
// the one already recorded is discarded, so a slow scan of stale content can
// never overwrite the verdict for newer content.
func (w *Workspace) ApplyVerdict(path string, verdict scanner.Verdict, seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[relPath(path)]
	if !ok || w.tornDown {
		return false
	}
	if seq <= rec.verdictSeq {
		return false
	}
	rec.verdictSeq = seq
	rec.LastVerdict = verdict
	return true
}

// Quarantine deletes a file from disk and marks its record. The deletion is
// final for this content: delivery failures downstream never restore the
// file.
func (w *Workspace) Quarantine(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tornDown {
		return appErr.New(appErr.WorkspaceTornDown)
	}
	rel := relPath(path)
	abs, err := w.resolveEntry(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return appErr.Wrapf(err, appErr.FileQuarantined, "remove quarantined file failed")
	}
	rec, ok := w.records[rel]
	if !ok {
		rec = &FileRecord{Path: rel}
		w.records[rel] = rec
	}
	rec.quarantined = true
	return nil
}

// WriteFiles writes or replaces a set of files, path → content. Paths pass
// the same safety checks as archive entries. Used by generation and fix
// application.
func (w *Workspace) WriteFiles(files map[string]string) ([]FileRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tornDown {
		return nil, appErr.New(appErr.WorkspaceTornDown)
	}

	written := make([]FileRecord, 0, len(files))
	for path, content := range files {
		abs, err := w.resolveEntry(path)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "create parent directory for %s failed", path)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			return nil, appErr.Wrapf(err, appErr.InternalServerError, "write %s failed", path)
		}

		sum := sha256.Sum256([]byte(content))
		rel := relPath(path)
		rec := &FileRecord{
			Path:        rel,
			ContentHash: hex.EncodeToString(sum[:]),
			LastSeenAt:  time.Now(),
		}
		w.records[rel] = rec
		written = append(written, *rec)
	}
	return written, nil
}

// ReadFileLimited reads a workspace file up to the configured per-file cap.
func (w *Workspace) ReadFileLimited(path string) ([]byte, error) {
	w.mu.Lock()
	if w.tornDown {
		w.mu.Unlock()
		return nil, appErr.New(appErr.WorkspaceTornDown)
	}
	abs, err := w.resolveEntry(path)
	limit := w.cfg.MaxFileBytes
	w.mu.Unlock()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErr.Newf(appErr.EntryFileNotFound, "file not found: %s", path)
		}
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "open %s failed", path)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "read %s failed", path)
	}
	return data, nil
}

// FileSet returns path → content for every non-quarantined tracked file,
// each truncated to the per-file cap. Used to hand project context to the
// fix pipeline.
func (w *Workspace) FileSet() (map[string]string, error) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.records))
	for rel, rec := range w.records {
		if !rec.quarantined {
			paths = append(paths, rel)
		}
	}
	w.mu.Unlock()

	files := make(map[string]string, len(paths))
	for _, rel := range paths {
		data, err := w.ReadFileLimited(rel)
		if err != nil {
			if appErr.GetCode(err) == appErr.EntryFileNotFound {
				continue
			}
			return nil, err
		}
		files[rel] = string(data)
	}
	return files, nil
}

// EntryCandidates returns tracked, non-quarantined files matching any of the
// given extensions, sorted so a top-level main.* sorts first.
func (w *Workspace) EntryCandidates(exts []string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var out []string
	for rel, rec := range w.records {
		if rec.quarantined {
			continue
		}
		ext := strings.ToLower(filepath.Ext(rel))
		for _, allowed := range exts {
			if ext == allowed {
				out = append(out, rel)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := entryPriority(out[i]), entryPriority(out[j])
		if pi != pj {
			return pi < pj
		}
		return out[i] < out[j]
	})
	return out
}

func entryPriority(rel string) int {
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	switch {
	case !strings.Contains(rel, "/") && base == "main":
		return 0
	case base == "main":
		return 1
	case base == "app" || base == "bot" || base == "index":
		return 2
	default:
		return 3
	}
}
