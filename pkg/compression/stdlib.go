// Package compression implements the block compression used for
// on-disk Data Store segments.
package compression

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressZstd compresses r into w, returning the number of compressed
// bytes written.
func CompressZstd(r io.Reader, w io.Writer) (int64, error) {
	counter := &byteCounter{w: w}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return 0, err
	}

	if _, err := io.Copy(enc, r); err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}

	return counter.Count(), nil
}

// DecompressZstd decompresses r into w.
func DecompressZstd(r io.Reader, w io.Writer) (int64, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	return io.Copy(w, dec)
}
