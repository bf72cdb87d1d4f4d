// Package workspace implements the per-slot confined filesystem namespace:
// archive ingestion with path-safety checks, file records with content
// hashes, quarantine, and project metadata helpers.
package workspace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"hostbox/internal/host/scanner"
	appErr "hostbox/pkg/errors"
)

// Config holds ingestion limits.
type Config struct {
	// MaxArchiveBytes caps the total uncompressed size of an archive.
	// An archive of exactly this size is accepted.
	MaxArchiveBytes int64 `yaml:"maxArchiveBytes"`
	// MaxEntries caps the number of entries in an archive.
	MaxEntries int `yaml:"maxEntries"`
	// MaxFileBytes caps how much of a single file is read for scanning.
	MaxFileBytes int64 `yaml:"maxFileBytes"`
}

// DefaultConfig returns workspace defaults.
func DefaultConfig() Config {
	return Config{
		MaxArchiveBytes: 50 << 20,
		MaxEntries:      10000,
		MaxFileBytes:    100 << 10,
	}
}

// FileRecord tracks one file inside the workspace.
type FileRecord struct {
	Path        string          `json:"path"`
	ContentHash string          `json:"content_hash"`
	LastVerdict scanner.Verdict `json:"last_verdict"`
	LastSeenAt  time.Time       `json:"last_seen_at"`

	verdictSeq  uint64
	quarantined bool
}

// Quarantined reports whether the file was removed after a blocking verdict.
// A quarantined record never resurrects without a fresh upload.
func (r FileRecord) Quarantined() bool {
	return r.quarantined
}

// Workspace is a confined root directory plus its file record set.
type Workspace struct {
	root string
	cfg  Config

	mu       sync.Mutex
	records  map[string]*FileRecord
	tornDown bool
}

// New creates the workspace root directory.
func New(root string, cfg Config) (*Workspace, error) {
	def := DefaultConfig()
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = def.MaxArchiveBytes
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = def.MaxFileBytes
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidParams)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.InternalServerError, "create workspace root failed")
	}
	return &Workspace{
		root:    abs,
		cfg:     cfg,
		records: make(map[string]*FileRecord),
	}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// IngestArchive validates and extracts a zip archive. All validation happens
// before any byte is written: total uncompressed size, entry count, and the
// resolved path of every entry. Symlink entries are rejected outright.
func (w *Workspace) IngestArchive(data []byte) ([]FileRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tornDown {
		return nil, appErr.New(appErr.WorkspaceTornDown)
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, appErr.Wrap(err, appErr.InvalidArchive)
	}

	if len(reader.File) > w.cfg.MaxEntries {
		return nil, appErr.Newf(appErr.TooManyEntries, "archive has %d entries (limit %d)", len(reader.File), w.cfg.MaxEntries)
	}

	var total int64
	for _, entry := range reader.File {
		if entry.Mode()&os.ModeSymlink != 0 {
			return nil, appErr.Newf(appErr.PathTraversal, "symlink entry not allowed: %s", entry.Name)
		}
		if entry.FileInfo().IsDir() {
			if _, err := w.resolveEntry(entry.Name); err != nil {
				return nil, err
			}
			continue
		}
		if _, err := w.resolveEntry(entry.Name); err != nil {
			return nil, err
		}
		total += int64(entry.UncompressedSize64)
	}
	if total > w.cfg.MaxArchiveBytes {
		return nil, appErr.Newf(appErr.ArchiveTooLarge, "archive is %d bytes uncompressed (limit %d)", total, w.cfg.MaxArchiveBytes)
	}

	// Validation passed; extract. Copies are still bounded so a lying size
	// header cannot blow past the limit.
	remaining := w.cfg.MaxArchiveBytes
	ingested := make([]FileRecord, 0, len(reader.File))
	for _, entry := range reader.File {
		if entry.FileInfo().IsDir() {
			dst, _ := w.resolveEntry(entry.Name)
			if err := os.MkdirAll(dst, 0755); err != nil {
				return nil, appErr.Wrapf(err, appErr.ExtractionFailed, "create directory %s failed", entry.Name)
			}
			continue
		}

		rec, written, err := w.extractFile(entry, remaining)
		if err != nil {
			return nil, err
		}
		remaining -= written
		ingested = append(ingested, *rec)
	}
	return ingested, nil
}

func (w *Workspace) extractFile(entry *zip.File, remaining int64) (*FileRecord, int64, error) {
	dst, err := w.resolveEntry(entry.Name)
	if err != nil {
		return nil, 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.ExtractionFailed, "create parent directory for %s failed", entry.Name)
	}

	src, err := entry.Open()
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.ExtractionFailed, "open archive entry %s failed", entry.Name)
	}
	defer src.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.ExtractionFailed, "create file %s failed", entry.Name)
	}
	defer out.Close()

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), io.LimitReader(src, remaining+1))
	if err != nil {
		return nil, 0, appErr.Wrapf(err, appErr.ExtractionFailed, "extract %s failed", entry.Name)
	}
	if written > remaining {
		_ = os.Remove(dst)
		return nil, 0, appErr.Newf(appErr.ArchiveTooLarge, "entry %s exceeds the archive size limit", entry.Name)
	}

	rel := relPath(entry.Name)
	rec := &FileRecord{
		Path:        rel,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
		LastSeenAt:  time.Now(),
	}
	w.records[rel] = rec
	return rec, written, nil
}

// resolveEntry maps an archive entry name to an absolute path inside the
// workspace root, rejecting absolute paths, parent traversal, and anything
// that resolves outside the root.
func (w *Workspace) resolveEntry(name string) (string, error) {
	if name == "" {
		return "", appErr.New(appErr.PathTraversal).WithMessage("empty entry name")
	}
	if strings.Contains(name, "\\") {
		return "", appErr.Newf(appErr.PathTraversal, "invalid entry path: %s", name)
	}
	if filepath.IsAbs(name) {
		return "", appErr.Newf(appErr.PathTraversal, "absolute entry path: %s", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", appErr.Newf(appErr.PathTraversal, "entry path escapes root: %s", name)
	}
	dst := filepath.Join(w.root, clean)
	if dst != w.root && !strings.HasPrefix(dst, w.root+string(os.PathSeparator)) {
		return "", appErr.Newf(appErr.PathTraversal, "entry path escapes root: %s", name)
	}
	return dst, nil
}

func relPath(name string) string {
	return filepath.ToSlash(filepath.Clean(name))
}

// Teardown removes the workspace from disk. Further operations fail with
// WorkspaceTornDown.
func (w *Workspace) Teardown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tornDown {
		return nil
	}
	w.tornDown = true
	w.records = make(map[string]*FileRecord)
	if err := os.RemoveAll(w.root); err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "remove workspace root failed")
	}
	return nil
}
