// Package tinycompress writes zlib streams made of stored DEFLATE blocks.
// It needs no tables or hash chains, so it runs on a microcontroller
// heap, and any zlib reader on the host can inflate its output.
package tinycompress

import (
	"errors"
	"hash"
	"hash/adler32"
	"io"
)

// MaxBlock is the largest stored block DEFLATE allows.
const MaxBlock = 0xFFFF

var zlibHeader = [2]byte{0x78, 0x01}

var ErrClosed = errors.New("tinycompress: write after close")

// Writer buffers up to one block of input and emits it once it knows
// whether more follows, so the final block carries BFINAL.
type Writer struct {
	out    io.Writer
	block  []byte
	adler  hash.Hash32
	header bool
	closed bool
}

// NewWriter returns a Writer whose block buffer holds blockSize bytes,
// clamped to MaxBlock. Zero selects 4096.
func NewWriter(w io.Writer, blockSize int) *Writer {
	if blockSize <= 0 {
		blockSize = 4096
	}
	if blockSize > MaxBlock {
		blockSize = MaxBlock
	}
	return &Writer{
		out:   w,
		block: make([]byte, 0, blockSize),
		adler: adler32.New(),
	}
}

func (w *Writer) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	n := 0
	for len(p) > 0 {
		if len(w.block) == cap(w.block) {
			if err := w.flushBlock(false); err != nil {
				return n, err
			}
		}
		c := copy(w.block[len(w.block):cap(w.block)], p)
		w.block = w.block[:len(w.block)+c]
		w.adler.Write(p[:c])
		p = p[c:]
		n += c
	}
	return n, nil
}

// Close writes the final block and the Adler-32 trailer. It does not close
// the underlying writer.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	if err := w.flushBlock(true); err != nil {
		return err
	}
	w.closed = true
	sum := w.adler.Sum32()
	_, err := w.out.Write([]byte{byte(sum >> 24), byte(sum >> 16), byte(sum >> 8), byte(sum)})
	return err
}

func (w *Writer) flushBlock(final bool) error {
	if !w.header {
		if _, err := w.out.Write(zlibHeader[:]); err != nil {
			return err
		}
		w.header = true
	}
	var hdr [5]byte
	if final {
		hdr[0] = 0x01
	}
	n := uint16(len(w.block))
	hdr[1], hdr[2] = byte(n), byte(n>>8)
	hdr[3], hdr[4] = byte(^n), byte(^n>>8)
	if _, err := w.out.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.out.Write(w.block); err != nil {
		return err
	}
	w.block = w.block[:0]
	return nil
}

// Compress returns data as a complete zlib stream.
func Compress(data []byte) []byte {
	blocks := (len(data) + MaxBlock - 1) / MaxBlock
	if blocks == 0 {
		blocks = 1
	}
	out := &sliceWriter{buf: make([]byte, 0, len(data)+5*blocks+6)}
	w := NewWriter(out, MaxBlock)
	w.Write(data)
	w.Close()
	return out.buf
}

type sliceWriter struct {
	buf []byte
}

func (s *sliceWriter) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}
