package console

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

func TestChunksConcatenateLosslessly(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 32, FlushInterval: 10 * time.Millisecond, RetainBytes: 1 << 20})
	ch, cancel := s.Subscribe()
	defer cancel()

	var input strings.Builder
	for i := 0; i < 50; i++ {
		line := fmt.Sprintf("log line %02d with some padding\n", i)
		input.WriteString(line)
		if _, err := s.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	s.Close()

	var output strings.Builder
	var lastSeq uint64
	for chunk := range ch {
		if chunk.Seq <= lastSeq {
			t.Fatalf("sequence not increasing: %d after %d", chunk.Seq, lastSeq)
		}
		lastSeq = chunk.Seq
		if len(chunk.Text) > 32 {
			t.Fatalf("chunk of %d bytes exceeds limit", len(chunk.Text))
		}
		output.WriteString(chunk.Text)
	}

	if output.String() != input.String() {
		t.Fatalf("concatenated chunks differ from input:\n got %q\nwant %q", output.String(), input.String())
	}
}

func TestChunksBreakAtNewlineWhenPossible(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 64, FlushInterval: time.Hour, RetainBytes: 1 << 20})
	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.Write([]byte("short line\n" + strings.Repeat("x", 60) + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Close()

	first := <-ch
	if !strings.HasSuffix(first.Text, "\n") {
		t.Fatalf("chunk should end on a line boundary: %q", first.Text)
	}
}

func TestOversizedLineSplitsOnRuneBoundary(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 5, FlushInterval: time.Hour, RetainBytes: 1 << 20})
	ch, cancel := s.Subscribe()
	defer cancel()

	input := "ééééé\n" // 11 bytes, no newline inside the first chunk limit
	if _, err := s.Write([]byte(input)); err != nil {
		t.Fatalf("write: %v", err)
	}
	s.Close()

	var output strings.Builder
	for chunk := range ch {
		if !utf8.ValidString(chunk.Text) {
			t.Fatalf("chunk %d carries invalid UTF-8: %q", chunk.Seq, chunk.Text)
		}
		output.WriteString(chunk.Text)
	}
	if output.String() != input {
		t.Fatalf("concatenated chunks = %q, want %q", output.String(), input)
	}
}

func TestPartialLineFlushesOnTimer(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 1 << 10, FlushInterval: 10 * time.Millisecond, RetainBytes: 1 << 20})
	defer s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()

	if _, err := s.Write([]byte("no newline yet")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case chunk := <-ch:
		if chunk.Text != "no newline yet" {
			t.Fatalf("chunk = %q", chunk.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("partial line never flushed")
	}
}

func TestTranscriptTruncationMarker(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 64, FlushInterval: time.Hour, RetainBytes: 256})
	defer s.Close()

	for i := 0; i < 40; i++ {
		if _, err := s.Write([]byte(fmt.Sprintf("line %02d padding padding\n", i))); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	text, truncated := s.Transcript()
	if !truncated {
		t.Fatal("expected truncation flag after exceeding the retain cap")
	}
	if len(text) > 256 {
		t.Fatalf("transcript %d bytes exceeds cap", len(text))
	}
	if !strings.Contains(text, "line 39") {
		t.Fatal("newest output must be retained")
	}
	if strings.Contains(text, "line 00") {
		t.Fatal("oldest output must be dropped first")
	}
}

func TestTruncationMarkerRidesNextChunk(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 64, FlushInterval: time.Hour, RetainBytes: 32})
	defer s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()

	line := strings.Repeat("x", 19) + "\n"
	for i := 0; i < 3; i++ {
		if _, err := s.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	first := <-ch
	if first.Truncated {
		t.Fatal("first chunk predates any truncation")
	}
	second := <-ch // its dispatch overflowed the retain cap
	if second.Truncated {
		t.Fatal("marker belongs to the chunk after the drop, not the one causing it")
	}
	third := <-ch
	if !third.Truncated {
		t.Fatal("chunk emitted after the transcript dropped output must carry the marker")
	}
}

func TestDroppedFlagAfterMissedChunk(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 64, FlushInterval: time.Hour, RetainBytes: 1 << 20, SubscriberBuffer: 1})
	defer s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()

	_, _ = s.Write([]byte("one\n")) // fills the buffer
	_, _ = s.Write([]byte("two\n")) // lost: buffer is full

	first := <-ch
	if first.Text != "one\n" || first.Dropped {
		t.Fatalf("first chunk = %+v", first)
	}

	_, _ = s.Write([]byte("three\n"))
	next := <-ch
	if next.Text != "three\n" {
		t.Fatalf("next chunk = %q", next.Text)
	}
	if !next.Dropped {
		t.Fatal("chunk after a missed one must carry the dropped flag")
	}
}

func TestSlowSubscriberDoesNotBlockWrites(t *testing.T) {
	s := NewStreamer(Config{ChunkLimit: 16, FlushInterval: time.Hour, RetainBytes: 1 << 20, SubscriberBuffer: 1})
	defer s.Close()
	_, cancel := s.Subscribe() // never reads
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_, _ = s.Write([]byte("spam output line\n"))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writes blocked on a slow subscriber")
	}
}

func TestSubscribeAfterCloseYieldsClosedChannel(t *testing.T) {
	s := NewStreamer(Config{})
	s.Close()
	ch, cancel := s.Subscribe()
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
}
