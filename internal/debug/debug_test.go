package debug

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// memWriter is an in-memory Writer for tests.
type memWriter struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := int(off) + len(p); end > len(m.buf) {
		m.buf = append(m.buf, make([]byte, end-len(m.buf))...)
	}
	copy(m.buf[off:], p)
	return len(p), nil
}

func (m *memWriter) Close() error { return nil }

func (m *memWriter) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.buf...)
}

func TestDebug(t *testing.T) {
	buf := new(memWriter)
	func() {
		Open(buf)
		defer Close()

		Write("test", "hello, world")
	}()

	var seen []string
	var data []string

	if err := Each(bytes.NewReader(buf.bytes()), func(ts time.Time, source, msg string) error {
		seen = append(seen, source)
		data = append(data, msg)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 source, got %d", len(seen))
	}
	if seen[0] != "test" {
		t.Fatalf("expected source to be 'test', got %s", seen[0])
	}
	if data[0] != "hello, world" {
		t.Fatalf("expected message to round trip, got %q", data[0])
	}
}

func TestDebugTempFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.log")
	func() {
		OpenFile(path)
		defer Close()

		Write("test", "hello, world")
	}()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	var seen []string

	if err := Each(f, func(ts time.Time, source, msg string) error {
		seen = append(seen, source)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 1 {
		t.Fatalf("expected 1 source, got %d", len(seen))
	}
	if seen[0] != "test" {
		t.Fatalf("expected source to be 'test', got %s", seen[0])
	}
}

func TestDebugMessageOrdering(t *testing.T) {
	buf := new(memWriter)
	func() {
		Open(buf)
		defer Close()

		for i := 0; i < 10; i++ {
			Writef("test", "hello, world %d", i)
		}
	}()

	var seen []string

	if err := Each(bytes.NewReader(buf.bytes()), func(ts time.Time, source, msg string) error {
		seen = append(seen, msg)
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}

	if len(seen) != 10 {
		t.Fatalf("expected 10 records, got %d", len(seen))
	}
	for i := range seen {
		if want := fmt.Sprintf("hello, world %d", i); seen[i] != want {
			t.Fatalf("expected %q at index %d, got %q", want, i, seen[i])
		}
	}
}

func TestDebugConcurrentWriters(t *testing.T) {
	buf := new(memWriter)
	func() {
		Open(buf)
		defer Close()

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 10; j++ {
					Writef("test", "hello, world %d", i)
				}
			}()
		}
		wg.Wait()
	}()

	n := 0
	if err := Each(bytes.NewReader(buf.bytes()), func(ts time.Time, source, msg string) error {
		if source != "test" {
			return fmt.Errorf("corrupt source %q", source)
		}
		n++
		return nil
	}); err != nil {
		t.Fatalf("Each: %v", err)
	}
	if n != 40 {
		t.Fatalf("expected 40 records, got %d", n)
	}
}

func BenchmarkWriteString(b *testing.B) {
	buf := new(memWriter)
	Open(buf)
	defer Close()

	for b.Loop() {
		Write("test", "hello, world")
	}
}
