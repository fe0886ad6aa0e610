// Package frame splits a connection byte stream into `*...#` messages.
package frame

import (
	"bytes"
	"errors"
)

const DefaultMaxLen = 4096

var ErrOverflow = errors.New("framing buffer overflow")

type Config struct {
	// Start is optional. When set, bytes preceding it in a message are dropped.
	Start  byte
	End    byte
	MaxLen int
}

// Framer accumulates partial reads for one connection. It is not safe for
// concurrent use.
type Framer struct {
	cfg     Config
	buf     []byte
	scanned int
	dropped uint64
}

func NewFramer(cfg Config) *Framer {
	if cfg.End == 0 {
		cfg.End = '#'
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = DefaultMaxLen
	}
	return &Framer{cfg: cfg, buf: make([]byte, 0, 256)}
}

// Feed appends chunk and returns every complete message, delimiter included.
// When the undelimited remainder exceeds MaxLen it is discarded and
// ErrOverflow is returned along with the messages already cut.
func (f *Framer) Feed(chunk []byte) ([]string, error) {
	f.buf = append(f.buf, chunk...)
	var out []string
	for {
		i := bytes.IndexByte(f.buf[f.scanned:], f.cfg.End)
		if i < 0 {
			f.scanned = len(f.buf)
			break
		}
		end := f.scanned + i + 1
		if msg := f.trim(f.buf[:end]); len(msg) > 0 {
			out = append(out, string(msg))
		}
		f.buf = f.buf[:copy(f.buf, f.buf[end:])]
		f.scanned = 0
	}
	if len(f.buf) > f.cfg.MaxLen {
		f.dropped += uint64(len(f.buf))
		f.Reset()
		return out, ErrOverflow
	}
	return out, nil
}

func (f *Framer) trim(msg []byte) []byte {
	if f.cfg.Start == 0 {
		return msg
	}
	if i := bytes.IndexByte(msg, f.cfg.Start); i > 0 {
		return msg[i:]
	}
	return msg
}

// Flush returns what is left in the buffer at end of input.
func (f *Framer) Flush() (string, bool) {
	rest := bytes.TrimSpace(f.buf)
	f.Reset()
	if len(rest) == 0 {
		return "", false
	}
	return string(rest), true
}

// Reset empties the buffer and releases oversized backing arrays.
func (f *Framer) Reset() {
	if cap(f.buf) > f.cfg.MaxLen {
		f.buf = make([]byte, 0, 256)
	} else {
		f.buf = f.buf[:0]
	}
	f.scanned = 0
}

func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped counts bytes discarded by overflow resets.
func (f *Framer) Dropped() uint64 {
	return f.dropped
}
