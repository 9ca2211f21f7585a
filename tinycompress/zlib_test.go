package tinycompress

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"
)

func inflate(t *testing.T, z []byte) []byte {
	t.Helper()
	r, err := zlib.NewReader(bytes.NewReader(z))
	if err != nil {
		t.Fatalf("zlib.NewReader failed: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("inflate failed: %v", err)
	}
	return out
}

func TestCompressRoundTrip(t *testing.T) {
	data := []byte(`{"version":"flashkit","commands":{"flash_info dev=%c":2}}`)
	got := inflate(t, Compress(data))
	if !bytes.Equal(got, data) {
		t.Errorf("Expected %q, got %q", data, got)
	}
}

func TestCompressEmpty(t *testing.T) {
	if got := inflate(t, Compress(nil)); len(got) != 0 {
		t.Errorf("Expected empty output, got %d bytes", len(got))
	}
}

func TestWriterSplitsBlocks(t *testing.T) {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	var buf bytes.Buffer
	w := NewWriter(&buf, 4096)
	// Uneven writes straddle block boundaries.
	w.Write(data[:1000])
	w.Write(data[1000:9000])
	w.Write(data[9000:])
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Header, three stored blocks and the trailer.
	if want := 2 + 3*5 + len(data) + 4; buf.Len() != want {
		t.Errorf("Expected %d bytes, got %d", want, buf.Len())
	}
	if got := inflate(t, buf.Bytes()); !bytes.Equal(got, data) {
		t.Error("Expected inflated output to match input")
	}

	if _, err := w.Write([]byte{1}); err != ErrClosed {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
