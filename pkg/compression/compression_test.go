package compression

import (
	"bytes"
	"strings"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	original := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)

	var compressed bytes.Buffer
	n, err := CompressZstd(strings.NewReader(original), &compressed)
	if err != nil {
		t.Fatalf("CompressZstd: %v", err)
	}
	if n != int64(compressed.Len()) {
		t.Fatalf("reported %d compressed bytes, buffer holds %d", n, compressed.Len())
	}
	if compressed.Len() >= len(original) {
		t.Fatalf("compressed size %d not smaller than original %d", compressed.Len(), len(original))
	}

	var decompressed bytes.Buffer
	if _, err := DecompressZstd(bytes.NewReader(compressed.Bytes()), &decompressed); err != nil {
		t.Fatalf("DecompressZstd: %v", err)
	}
	if decompressed.String() != original {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", decompressed.Len(), len(original))
	}
}

func TestCompressEmptyInput(t *testing.T) {
	var compressed bytes.Buffer
	if _, err := CompressZstd(strings.NewReader(""), &compressed); err != nil {
		t.Fatalf("CompressZstd: %v", err)
	}

	var decompressed bytes.Buffer
	if _, err := DecompressZstd(bytes.NewReader(compressed.Bytes()), &decompressed); err != nil {
		t.Fatalf("DecompressZstd: %v", err)
	}
	if decompressed.Len() != 0 {
		t.Fatalf("expected empty round trip, got %d bytes", decompressed.Len())
	}
}
