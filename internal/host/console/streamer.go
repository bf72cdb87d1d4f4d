// Package console turns the raw byte stream of a guest process into ordered,
// bounded chunks for live subscribers and keeps a capped transcript for the
// fix pipeline.
package console

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Chunk is one console delivery unit. Seq is strictly increasing per slot;
// concatenating chunk texts in Seq order reproduces the retained output
// exactly. Truncated marks the first chunk emitted after the retained
// transcript dropped old output; Dropped marks the first chunk a subscriber
// receives after it missed one or more chunks.
type Chunk struct {
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"ts"`
	Truncated bool      `json:"truncated,omitempty"`
	Dropped   bool      `json:"dropped,omitempty"`
}

// Config holds streamer limits.
type Config struct {
	// ChunkLimit caps the byte size of a single chunk.
	ChunkLimit int `yaml:"chunkLimit"`
	// FlushInterval bounds how long a partial line sits unflushed.
	FlushInterval time.Duration `yaml:"flushInterval"`
	// RetainBytes caps the transcript; oldest output is dropped first.
	RetainBytes int `yaml:"retainBytes"`
	// SubscriberBuffer is each subscriber's channel capacity.
	SubscriberBuffer int `yaml:"subscriberBuffer"`
}

// DefaultConfig returns streamer defaults.
func DefaultConfig() Config {
	return Config{
		ChunkLimit:       4 << 10,
		FlushInterval:    500 * time.Millisecond,
		RetainBytes:      256 << 10,
		SubscriberBuffer: 64,
	}
}

// Streamer ingests process output and fans it out as chunks. Write never
// blocks on slow subscribers: delivery drops for a lagging subscriber rather
// than stalling the producer.
type Streamer struct {
	cfg Config

	mu        sync.Mutex
	pending   []byte
	seq       uint64
	retained  strings.Builder
	truncated bool
	markNext  bool
	subs      map[chan Chunk]*subscriber
	closed    bool

	flushStop chan struct{}
	flushOnce sync.Once
}

// NewStreamer creates a streamer and starts its flush timer.
func NewStreamer(cfg Config) *Streamer {
	def := DefaultConfig()
	if cfg.ChunkLimit <= 0 {
		cfg.ChunkLimit = def.ChunkLimit
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.RetainBytes <= 0 {
		cfg.RetainBytes = def.RetainBytes
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}

	s := &Streamer{
		cfg:       cfg,
		subs:      make(map[chan Chunk]*subscriber),
		flushStop: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Write implements io.Writer for the supervisor's output pipe. It buffers
// under a mutex and emits complete chunks; it never blocks on delivery.
func (s *Streamer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return len(p), nil
	}
	s.pending = append(s.pending, p...)
	s.emitLocked(false)
	return len(p), nil
}

// emitLocked cuts chunks from the pending buffer. Chunks break at the last
// newline inside the limit when one exists, so lines stay whole where
// possible; an oversized line is cut at the last rune boundary inside the
// limit so a multi-byte character never straddles two chunks. force flushes
// any remainder as a final partial chunk.
func (s *Streamer) emitLocked(force bool) {
	for len(s.pending) >= s.cfg.ChunkLimit {
		cut := s.cfg.ChunkLimit
		if idx := lastNewline(s.pending[:cut]); idx >= 0 {
			cut = idx + 1
		} else {
			for cut > 0 && cut < len(s.pending) && !utf8.RuneStart(s.pending[cut]) {
				cut--
			}
			if cut == 0 {
				// A single rune wider than the limit; emit it raw.
				cut = s.cfg.ChunkLimit
			}
		}
		s.dispatchLocked(s.pending[:cut])
		s.pending = s.pending[cut:]
	}
	if !force {
		// Emit whole lines eagerly; partial lines wait for the flush timer.
		if idx := lastNewline(s.pending); idx >= 0 {
			s.dispatchLocked(s.pending[:idx+1])
			s.pending = s.pending[idx+1:]
		}
		return
	}
	if len(s.pending) > 0 {
		s.dispatchLocked(s.pending)
		s.pending = nil
	}
}

func lastNewline(b []byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == '\n' {
			return i
		}
	}
	return -1
}

// subscriber tracks per-consumer delivery state.
type subscriber struct {
	dropped bool // a previous chunk was lost to a full buffer
}

func (s *Streamer) dispatchLocked(text []byte) {
	s.seq++
	chunk := Chunk{Seq: s.seq, Text: string(text), Timestamp: time.Now(), Truncated: s.markNext}
	s.markNext = false

	s.retained.WriteString(chunk.Text)
	s.trimRetainedLocked()

	for ch, sub := range s.subs {
		c := chunk
		c.Dropped = sub.dropped
		select {
		case ch <- c:
			sub.dropped = false
		default:
			// Subscriber is not keeping up; it loses this chunk rather
			// than stalling the process output. The next chunk it does
			// receive carries the Dropped flag.
			sub.dropped = true
		}
	}
}

func (s *Streamer) trimRetainedLocked() {
	if s.retained.Len() <= s.cfg.RetainBytes {
		return
	}
	kept := s.retained.String()
	kept = kept[len(kept)-s.cfg.RetainBytes:]
	// Drop up to the next newline so the transcript starts on a line
	// boundary when it can.
	if idx := strings.IndexByte(kept, '\n'); idx >= 0 && idx+1 < len(kept) {
		kept = kept[idx+1:]
	}
	s.retained.Reset()
	s.retained.WriteString(kept)
	s.truncated = true
	s.markNext = true
}

func (s *Streamer) flushLoop() {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.flushStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if !s.closed {
				s.emitLocked(true)
			}
			s.mu.Unlock()
		}
	}
}

// Subscribe registers a live consumer. The returned cancel function must be
// called when the consumer goes away.
func (s *Streamer) Subscribe() (<-chan Chunk, func()) {
	ch := make(chan Chunk, s.cfg.SubscriberBuffer)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = &subscriber{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

// Transcript returns the retained output and whether older output was
// dropped to stay under the cap.
func (s *Streamer) Transcript() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retained.String(), s.truncated
}

// Close flushes any partial output and closes all subscriber channels.
func (s *Streamer) Close() {
	s.flushOnce.Do(func() { close(s.flushStop) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitLocked(true)
	s.closed = true
	for ch := range s.subs {
		close(ch)
		delete(s.subs, ch)
	}
}
