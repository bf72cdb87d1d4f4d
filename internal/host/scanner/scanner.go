// Package scanner implements the two-phase security pipeline: deterministic
// local heuristics first, then the remote classifier for anything the local
// phase cannot decide. Classifier failures map to Unknown, which blocks
// execution the same way Malicious does.
package scanner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hostbox/internal/ai"
	"hostbox/internal/common/cache"
	"hostbox/pkg/utils/logger"

	"go.uber.org/zap"
)

const verdictCachePrefix = "hostbox:verdict:"

// Config holds scanner settings.
type Config struct {
	// RemoteTimeout bounds each classifier call.
	RemoteTimeout time.Duration `yaml:"remoteTimeout"`
	// CacheTTL controls how long content-hash verdicts are kept.
	CacheTTL time.Duration `yaml:"cacheTTL"`
	// CodeExtensions lists file suffixes that are scanned; everything else
	// is Safe by definition.
	CodeExtensions []string `yaml:"codeExtensions"`
	// BatchSize controls how many remote calls run concurrently.
	BatchSize int `yaml:"batchSize"`
}

// DefaultConfig returns scanner defaults.
func DefaultConfig() Config {
	return Config{
		RemoteTimeout:  30 * time.Second,
		CacheTTL:       24 * time.Hour,
		CodeExtensions: []string{".py", ".js", ".ts", ".java", ".cpp", ".c", ".go", ".rs", ".php", ".rb", ".sh"},
		BatchSize:      5,
	}
}

// ScanFile is one scan target. Hash is the content hash used for verdict
// caching and stale-result sequencing.
type ScanFile struct {
	Path    string
	Content []byte
	Hash    string
}

// Progress is invoked after each file's verdict is computed.
type Progress func(path string, verdict Verdict)

// Scanner runs the two-phase pipeline.
type Scanner struct {
	remote ai.ScannerService
	cache  cache.Cache // optional; nil disables verdict caching
	cfg    Config

	seq atomic.Uint64
}

// New creates a scanner. cache may be nil.
func New(remote ai.ScannerService, verdictCache cache.Cache, cfg Config) *Scanner {
	def := DefaultConfig()
	if cfg.RemoteTimeout == 0 {
		cfg.RemoteTimeout = def.RemoteTimeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if len(cfg.CodeExtensions) == 0 {
		cfg.CodeExtensions = def.CodeExtensions
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Scanner{remote: remote, cache: verdictCache, cfg: cfg}
}

// NextSeq issues a monotonically increasing sequence number. Callers stamp a
// scan with the sequence before starting it so a slow, older scan can never
// overwrite the result of a newer one.
func (s *Scanner) NextSeq() uint64 {
	return s.seq.Add(1)
}

// Scan classifies every file and returns path → verdict. Remote calls run in
// bounded batches; the local phase never leaves the process.
func (s *Scanner) Scan(ctx context.Context, files []ScanFile, progress Progress) map[string]Verdict {
	results := make(map[string]Verdict, len(files))
	var mu sync.Mutex

	for start := 0; start < len(files); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(files) {
			end = len(files)
		}

		var wg sync.WaitGroup
		for _, f := range files[start:end] {
			wg.Add(1)
			go func(f ScanFile) {
				defer wg.Done()
				v := s.ScanOne(ctx, f)
				mu.Lock()
				results[f.Path] = v
				mu.Unlock()
				if progress != nil {
					progress(f.Path, v)
				}
			}(f)
		}
		wg.Wait()
	}
	return results
}

// ScanOne classifies a single file.
func (s *Scanner) ScanOne(ctx context.Context, f ScanFile) Verdict {
	if !s.isCodeFile(f.Path) {
		return Safe()
	}

	// Phase 1: deterministic local rules. A match short-circuits without
	// any external call.
	if v, matched := LocalVerdict(f.Content); matched {
		return v
	}

	if v, ok := s.cachedVerdict(ctx, f.Hash); ok {
		return v
	}

	// Phase 2: remote classifier, bounded by RemoteTimeout. Any failure is
	// Unknown, never Safe.
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteTimeout)
	defer cancel()

	res, err := s.remote.ScanContent(callCtx, f.Path, f.Content)
	if err != nil {
		logger.Warn(ctx, "remote scan failed, failing closed",
			zap.String("path", f.Path), zap.Error(err))
		return Unknown("classifier unavailable: " + err.Error())
	}

	var v Verdict
	if res.Malicious {
		v = Malicious(res.Reason)
	} else {
		v = Safe()
		v.Reason = res.Reason
	}
	s.storeVerdict(ctx, f.Hash, v)
	return v
}

func (s *Scanner) isCodeFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range s.cfg.CodeExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// cachedVerdict looks up a prior verdict by content hash. Unknown verdicts
// are never cached, so a recovered classifier gets a fresh chance.
func (s *Scanner) cachedVerdict(ctx context.Context, hash string) (Verdict, bool) {
	if s.cache == nil || hash == "" {
		return Verdict{}, false
	}
	raw, err := s.cache.Get(ctx, verdictCachePrefix+hash)
	if err != nil || raw == "" {
		return Verdict{}, false
	}
	var v Verdict
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return Verdict{}, false
	}
	return v, true
}

func (s *Scanner) storeVerdict(ctx context.Context, hash string, v Verdict) {
	if s.cache == nil || hash == "" || v.Kind == VerdictUnknown {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, verdictCachePrefix+hash, string(raw), s.cfg.CacheTTL); err != nil {
		logger.Warn(ctx, "verdict cache store failed", zap.Error(err))
	}
}
