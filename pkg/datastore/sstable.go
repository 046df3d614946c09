package datastore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"corekv/pkg/compression"
	"corekv/pkg/dberrors"
)

const footerSize = 32 // bloomOffset, bloomLen, indexOffset, indexLen (u64 each)

type segmentIndexEntry struct {
	key    []byte
	offset int64
}

// segment is one immutable on-disk sstable: a sorted run of items
// written once at flush or compaction time and never mutated again,
// which is what makes checkpoints and scan snapshots cheap to reason
// about.
type segment struct {
	path  string
	file  *os.File
	bloom *bloomFilter
	index []segmentIndexEntry
	size  int64
}

// writeSegment serializes sorted items (already newest-wins deduped) to
// path and returns the opened segment.
func writeSegment(path string, items []item, fpRate float64) (*segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: create segment: %v", dberrors.ErrStorageFatal, err)
	}
	w := bufio.NewWriter(f)

	bf := newBloomFilter(len(items), fpRate)
	index := make([]segmentIndexEntry, 0, len(items))

	var offset int64
	for _, it := range items {
		bf.add(it.key)
		index = append(index, segmentIndexEntry{key: it.key, offset: offset})

		compressed, err := compressValue(it.value)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: compress segment value: %v", dberrors.ErrStorageFatal, err)
		}

		flag := byte(0)
		if it.tombstone {
			flag = 1
		}
		record := make([]byte, 1+8+4+4)
		record[0] = flag
		binary.LittleEndian.PutUint64(record[1:9], uint64(it.expireAt))
		binary.LittleEndian.PutUint32(record[9:13], uint32(len(it.value)))
		binary.LittleEndian.PutUint32(record[13:17], uint32(len(compressed)))
		if _, err := w.Write(record); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: write segment record: %v", dberrors.ErrStorageFatal, err)
		}
		if len(compressed) > 0 {
			if _, err := w.Write(compressed); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: write segment value: %v", dberrors.ErrStorageFatal, err)
			}
		}
		offset += int64(len(record) + len(compressed))
	}

	bloomOffset := offset
	bloomBits := bf.serialize()
	bloomHeader := make([]byte, 4)
	binary.LittleEndian.PutUint32(bloomHeader, uint32(len(bf.hashFunc)))
	if _, err := w.Write(bloomHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write bloom header: %v", dberrors.ErrStorageFatal, err)
	}
	if _, err := w.Write(bloomBits); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write bloom bits: %v", dberrors.ErrStorageFatal, err)
	}
	bloomLen := int64(len(bloomHeader) + len(bloomBits))

	indexOffset := bloomOffset + bloomLen
	var indexLen int64
	for _, e := range index {
		entryHeader := make([]byte, 4+8)
		binary.LittleEndian.PutUint32(entryHeader[0:4], uint32(len(e.key)))
		binary.LittleEndian.PutUint64(entryHeader[4:12], uint64(e.offset))
		if _, err := w.Write(entryHeader); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: write index entry: %v", dberrors.ErrStorageFatal, err)
		}
		if _, err := w.Write(e.key); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: write index key: %v", dberrors.ErrStorageFatal, err)
		}
		indexLen += int64(len(entryHeader) + len(e.key))
	}

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(footer[0:8], uint64(bloomOffset))
	binary.LittleEndian.PutUint64(footer[8:16], uint64(bloomLen))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(indexLen))
	if _, err := w.Write(footer); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: write segment footer: %v", dberrors.ErrStorageFatal, err)
	}

	if err := w.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: flush segment: %v", dberrors.ErrStorageFatal, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: sync segment: %v", dberrors.ErrStorageFatal, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close segment writer: %v", dberrors.ErrStorageFatal, err)
	}

	return openSegment(path)
}

func openSegment(path string) (*segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment: %v", dberrors.ErrStorageFatal, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat segment: %v", dberrors.ErrStorageFatal, err)
	}
	size := info.Size()
	if size < footerSize {
		f.Close()
		return nil, fmt.Errorf("%w: truncated segment %s", dberrors.ErrStorageFatal, path)
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, size-footerSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read segment footer: %v", dberrors.ErrStorageFatal, err)
	}
	bloomOffset := int64(binary.LittleEndian.Uint64(footer[0:8]))
	bloomLen := int64(binary.LittleEndian.Uint64(footer[8:16]))
	indexOffset := int64(binary.LittleEndian.Uint64(footer[16:24]))
	indexLen := int64(binary.LittleEndian.Uint64(footer[24:32]))

	bloomBuf := make([]byte, bloomLen)
	if _, err := f.ReadAt(bloomBuf, bloomOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read bloom section: %v", dberrors.ErrStorageFatal, err)
	}
	hashCount := int(binary.LittleEndian.Uint32(bloomBuf[0:4]))
	bloom := deserializeBloomFilter(bloomBuf[4:], hashCount)

	indexBuf := make([]byte, indexLen)
	if _, err := f.ReadAt(indexBuf, indexOffset); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read index section: %v", dberrors.ErrStorageFatal, err)
	}
	var index []segmentIndexEntry
	r := bytes.NewReader(indexBuf)
	for r.Len() > 0 {
		header := make([]byte, 12)
		if _, err := io.ReadFull(r, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: parse index entry: %v", dberrors.ErrStorageFatal, err)
		}
		keyLen := binary.LittleEndian.Uint32(header[0:4])
		off := int64(binary.LittleEndian.Uint64(header[4:12]))
		key := make([]byte, keyLen)
		if _, err := io.ReadFull(r, key); err != nil {
			f.Close()
			return nil, fmt.Errorf("%w: parse index key: %v", dberrors.ErrStorageFatal, err)
		}
		index = append(index, segmentIndexEntry{key: key, offset: off})
	}

	return &segment{path: path, file: f, bloom: bloom, index: index, size: size}, nil
}

func (s *segment) close() error {
	return s.file.Close()
}

// get returns the item at key, or (item{}, false) if key is absent from
// this segment (never mistaken for a tombstone: callers check
// it.tombstone themselves).
func (s *segment) get(key []byte) (item, bool, error) {
	if s.bloom != nil && !s.bloom.mayContain(key) {
		return item{}, false, nil
	}
	i := sort.Search(len(s.index), func(i int) bool {
		return bytes.Compare(s.index[i].key, key) >= 0
	})
	if i >= len(s.index) || !bytes.Equal(s.index[i].key, key) {
		return item{}, false, nil
	}
	return s.readAt(s.index[i])
}

func (s *segment) readAt(e segmentIndexEntry) (item, bool, error) {
	header := make([]byte, 1+8+4+4)
	if _, err := s.file.ReadAt(header, e.offset); err != nil {
		return item{}, false, fmt.Errorf("%w: read segment record: %v", dberrors.ErrStorageFatal, err)
	}
	tombstone := header[0] == 1
	expireAt := int64(binary.LittleEndian.Uint64(header[1:9]))
	valLen := binary.LittleEndian.Uint32(header[9:13])
	compressedLen := binary.LittleEndian.Uint32(header[13:17])

	var compressed []byte
	if compressedLen > 0 {
		compressed = make([]byte, compressedLen)
		if _, err := s.file.ReadAt(compressed, e.offset+int64(len(header))); err != nil {
			return item{}, false, fmt.Errorf("%w: read segment value: %v", dberrors.ErrStorageFatal, err)
		}
	}
	value, err := decompressValue(compressed, int(valLen))
	if err != nil {
		return item{}, false, fmt.Errorf("%w: decompress segment value: %v", dberrors.ErrStorageFatal, err)
	}
	return item{key: e.key, value: value, tombstone: tombstone, expireAt: expireAt}, true, nil
}

// compressValue zstd-compresses value, unless it is empty (a tombstone or
// a genuinely empty value never benefits from the codec's framing
// overhead).
func compressValue(value []byte) ([]byte, error) {
	if len(value) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := compression.CompressZstd(bytes.NewReader(value), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressValue(compressed []byte, originalLen int) ([]byte, error) {
	if originalLen == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if _, err := compression.DecompressZstd(bytes.NewReader(compressed), &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// items returns every entry in this segment, in key order, materialized
// eagerly since segments here are small enough to merge in memory.
func (s *segment) items() ([]item, error) {
	out := make([]item, 0, len(s.index))
	for _, e := range s.index {
		it, ok, err := s.readAt(e)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, it)
		}
	}
	return out, nil
}
