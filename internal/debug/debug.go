package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Package debug is a thread-safe binary trace logger suitable for interrupt
// hot paths. Writers only perform an atomic offset reservation plus a
// positioned write, so concurrent cores never contend on a lock.
//
// Each record is:
//   - 2 bytes source length
//   - 4 bytes message length
//   - 8 bytes timestamp (nanoseconds since epoch)
//   - sourceLength bytes source
//   - messageLength bytes message

const headerSize = 14

type Writer interface {
	io.WriterAt
	io.Closer
}

type writer struct {
	w Writer
}

var (
	fh     atomic.Pointer[writer]
	offset atomic.Uint64
)

func OpenFile(filename string) error {
	// Truncate so successive runs don't leave stale trailing entries.
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	return Open(f)
}

// Open installs w as the trace sink. The returned error is a warning, not a
// failure: it indicates a previously open sink was discarded.
func Open(w Writer) error {
	offset.Store(0)
	if fh.Swap(&writer{w: w}) != nil {
		return fmt.Errorf("debug: already open, discarded old writer")
	}
	return nil
}

func Close() error {
	fh := fh.Swap(nil)
	if fh != nil {
		if err := fh.w.Close(); err != nil {
			return err
		}
	}
	offset.Store(0)
	return nil
}

func write(source string, data []byte) {
	fh := fh.Load()
	if fh == nil {
		return
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint16(header[0:2], uint16(len(source)))
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(data)))
	binary.LittleEndian.PutUint64(header[6:14], uint64(time.Now().UnixNano()))

	size := uint64(headerSize + len(source) + len(data))
	off := offset.Add(size) - size
	if _, err := fh.w.WriteAt(header, int64(off)); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt([]byte(source), int64(off)+headerSize); err != nil {
		panic(err)
	}
	if _, err := fh.w.WriteAt(data, int64(off)+headerSize+int64(len(source))); err != nil {
		panic(err)
	}
}

func Write(source string, data string) {
	write(source, []byte(data))
}

func Writef(source string, format string, args ...any) {
	write(source, fmt.Appendf(nil, format, args...))
}

// Each replays every record in r, in write order.
func Each(r io.Reader, fn func(ts time.Time, source, data string) error) error {
	br := bufio.NewReader(r)
	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}
		sourceLen := binary.LittleEndian.Uint16(header[0:2])
		dataLen := binary.LittleEndian.Uint32(header[2:6])
		ts := int64(binary.LittleEndian.Uint64(header[6:14]))

		buf := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("debug: read record: %w", err)
		}
		if err := fn(time.Unix(0, ts), string(buf[:sourceLen]), string(buf[sourceLen:])); err != nil {
			return err
		}
	}
}
