// Package instructionlog implements the Instruction Log: a durable
// ordered map from a big-endian u64 clock to opaque payload bytes, plus
// a single reserved tick entry. Its on-disk format is a length-prefixed
// record journal generalized from a pure append-and-replay log into a
// keyed store that also supports point delete and range delete.
package instructionlog

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"

	"corekv/pkg/dberrors"
	"corekv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

const (
	opPut       byte = 0
	opTombstone byte = 1

	logFileName  = "log.data"
	tickFileName = "TICK"
)

func newClockIndex() *skipmap.FuncMap[uint64, int64] {
	return skipmap.NewFunc[uint64, int64](func(a, b uint64) bool { return a < b })
}

// Log is the durable ordered clock -> bytes map.
type Log struct {
	mu sync.Mutex

	dir      string
	filePath string
	file     *os.File
	writer   *bufio.Writer

	index *skipmap.FuncMap[uint64, int64] // clock -> record start offset, live entries only

	syncWrites bool
}

// Open opens (creating if absent) the instruction log rooted at dir,
// replaying its on-disk records to rebuild the in-memory index.
func Open(dir string, syncWrites bool) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty instruction log dir", dberrors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create instruction log dir: %w", err)
	}

	filePath := filepath.Join(dir, logFileName)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open instruction log: %w", err)
	}

	l := &Log{
		dir:        dir,
		filePath:   filePath,
		file:       file,
		writer:     bufio.NewWriter(file),
		index:      newClockIndex(),
		syncWrites: syncWrites,
	}

	if err := l.rebuildIndex(); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: rebuild instruction log index: %v", dberrors.ErrStorageFatal, err)
	}

	return l, nil
}

func (l *Log) rebuildIndex() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(l.file)

	var offset int64
	for {
		start := offset
		op, clock, payload, n, err := readRecord(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Torn write at the tail: truncate it away and stop.
				if err := l.file.Truncate(start); err != nil {
					return err
				}
				break
			}
			return err
		}
		offset += int64(n)
		_ = payload

		switch op {
		case opPut:
			l.index.Store(clock, start)
		case opTombstone:
			l.index.Delete(clock)
		}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	l.writer = bufio.NewWriter(l.file)
	return nil
}

func readRecord(r *bufio.Reader) (op byte, clock uint64, payload []byte, n int, err error) {
	header := make([]byte, 13)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, nil, 0, err
	}
	op = header[0]
	clock = binary.BigEndian.Uint64(header[1:9])
	plen := binary.LittleEndian.Uint32(header[9:13])
	n = 13

	if plen > 0 {
		payload = make([]byte, plen)
		if _, err = io.ReadFull(r, payload); err != nil {
			return 0, 0, nil, 0, io.ErrUnexpectedEOF
		}
		n += int(plen)
	}
	return op, clock, payload, n, nil
}

func writeRecord(w io.Writer, op byte, clock types.Clock, payload []byte) error {
	if len(payload) > math.MaxUint32 {
		return fmt.Errorf("%w: instruction payload too large", dberrors.ErrInvalidArgument)
	}
	header := make([]byte, 13)
	header[0] = op
	binary.BigEndian.PutUint64(header[1:9], uint64(clock))
	binary.LittleEndian.PutUint32(header[9:13], uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Put persists payload under clock. The record is written to the log
// file before Put returns, and fsynced as well when the log was opened
// with syncWrites.
func (l *Log) Put(clock types.Clock, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset, err := l.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%w: seek instruction log: %v", dberrors.ErrStorageFatal, err)
	}
	// bufio.Writer buffers ahead of the fd; the true record start is the
	// fd offset plus whatever is already buffered.
	offset += int64(l.writer.Buffered())

	if err := writeRecord(l.writer, opPut, clock, payload); err != nil {
		return fmt.Errorf("%w: write instruction: %v", dberrors.ErrStorageFatal, err)
	}
	if err := l.syncLocked(); err != nil {
		return err
	}

	l.index.Store(uint64(clock), offset)
	return nil
}

// Get returns the payload previously Put at clock, or (nil, false).
func (l *Log) Get(clock types.Clock) ([]byte, bool, error) {
	l.mu.Lock()
	offset, ok := l.index.Load(uint64(clock))
	l.mu.Unlock()
	if !ok {
		return nil, false, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return nil, false, err
	}
	r := io.NewSectionReader(l.file, offset, math.MaxInt64-offset)
	br := bufio.NewReader(r)
	op, gotClock, payload, _, err := readRecord(br)
	if err != nil {
		return nil, false, fmt.Errorf("%w: read instruction at clock %d: %v", dberrors.ErrStorageFatal, clock, err)
	}
	if op != opPut || types.Clock(gotClock) != clock {
		return nil, false, nil
	}
	return payload, true, nil
}

// Delete idempotently removes the instruction stored at clock.
func (l *Log) Delete(clock types.Clock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index.Load(uint64(clock)); !ok {
		return nil
	}
	if err := writeRecord(l.writer, opTombstone, clock, nil); err != nil {
		return fmt.Errorf("%w: write tombstone: %v", dberrors.ErrStorageFatal, err)
	}
	if err := l.syncLocked(); err != nil {
		return err
	}
	l.index.Delete(uint64(clock))
	return nil
}

// DeleteRange removes every key in [lo, hi) as a single physical
// operation: it rewrites the log file keeping only entries outside the
// range.
func (l *Log) DeleteRange(lo, hi types.Clock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hi < lo {
		return fmt.Errorf("%w: delete_range hi < lo", dberrors.ErrInvalidArgument)
	}

	if err := l.flushLocked(); err != nil {
		return err
	}

	tmpPath := l.filePath + ".compact.tmp"
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create compaction temp file: %v", dberrors.ErrStorageFatal, err)
	}
	tw := bufio.NewWriter(tmpFile)

	newIndex := newClockIndex()
	var offset int64

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: seek instruction log: %v", dberrors.ErrStorageFatal, err)
	}
	r := bufio.NewReader(l.file)
	for {
		clock, ok, err := nextLiveEntry(l.index, r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: scan instruction log: %v", dberrors.ErrStorageFatal, err)
		}
		if !ok {
			continue
		}
		if types.Clock(clock.clock) >= lo && types.Clock(clock.clock) < hi {
			continue
		}
		if err := writeRecord(tw, opPut, types.Clock(clock.clock), clock.payload); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: rewrite instruction: %v", dberrors.ErrStorageFatal, err)
		}
		newIndex.Store(clock.clock, offset)
		n := 13 + int64(len(clock.payload))
		offset += n
	}

	if err := tw.Flush(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: flush compacted log: %v", dberrors.ErrStorageFatal, err)
	}
	if l.syncWrites {
		if err := tmpFile.Sync(); err != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("%w: sync compacted log: %v", dberrors.ErrStorageFatal, err)
		}
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close compacted log: %v", dberrors.ErrStorageFatal, err)
	}

	if err := l.file.Close(); err != nil {
		return fmt.Errorf("%w: close live log: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.Rename(tmpPath, l.filePath); err != nil {
		return fmt.Errorf("%w: install compacted log: %v", dberrors.ErrStorageFatal, err)
	}

	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("%w: reopen instruction log: %v", dberrors.ErrStorageFatal, err)
	}
	l.file = file
	l.writer = bufio.NewWriter(file)
	l.index = newIndex
	return nil
}

type liveEntry struct {
	clock   uint64
	payload []byte
}

// nextLiveEntry reads the next record and reports whether it is a live
// (non-tombstoned, still-indexed) put, so DeleteRange only ever
// re-materializes entries that Delete has not already tombstoned.
func nextLiveEntry(index *skipmap.FuncMap[uint64, int64], r *bufio.Reader) (liveEntry, bool, error) {
	op, clock, payload, _, err := readRecord(r)
	if err != nil {
		return liveEntry{}, false, err
	}
	if op != opPut {
		return liveEntry{}, false, nil
	}
	if _, ok := index.Load(clock); !ok {
		return liveEntry{}, false, nil
	}
	return liveEntry{clock: clock, payload: payload}, true, nil
}

// Range calls fn with every live instruction whose clock is in [lo, hi),
// in ascending clock order, stopping at the first error fn returns.
func (l *Log) Range(lo, hi types.Clock, fn func(types.Clock, []byte) error) error {
	l.mu.Lock()
	type ent struct {
		clock  types.Clock
		offset int64
	}
	var ents []ent
	l.index.Range(func(k uint64, v int64) bool {
		if types.Clock(k) >= lo && types.Clock(k) < hi {
			ents = append(ents, ent{clock: types.Clock(k), offset: v})
		}
		return true
	})
	if err := l.flushLocked(); err != nil {
		l.mu.Unlock()
		return err
	}

	records := make([]liveEntry, 0, len(ents))
	for _, e := range ents {
		r := io.NewSectionReader(l.file, e.offset, math.MaxInt64-e.offset)
		op, gotClock, payload, _, err := readRecord(bufio.NewReader(r))
		if err != nil {
			l.mu.Unlock()
			return fmt.Errorf("%w: read instruction at clock %d: %v", dberrors.ErrStorageFatal, e.clock, err)
		}
		if op != opPut || types.Clock(gotClock) != e.clock {
			continue
		}
		records = append(records, liveEntry{clock: gotClock, payload: payload})
	}
	l.mu.Unlock()

	for _, rec := range records {
		if err := fn(types.Clock(rec.clock), rec.payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadTick returns the persisted tick value, or 0 if never written.
func (l *Log) ReadTick() (types.Clock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(l.dir, tickFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read tick: %v", dberrors.ErrStorageFatal, err)
	}
	if len(data) != 8 {
		return 0, fmt.Errorf("%w: corrupt tick file", dberrors.ErrStorageFatal)
	}
	return types.ClockFromBytes(data), nil
}

// WriteTick durably persists clock as the accepted tick.
func (l *Log) WriteTick(clock types.Clock) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, tickFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, clock.Bytes(), 0o600); err != nil {
		return fmt.Errorf("%w: write tick: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: install tick: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

func (l *Log) syncLocked() error {
	if err := l.flushLocked(); err != nil {
		return err
	}
	if l.syncWrites {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("%w: sync instruction log: %v", dberrors.ErrStorageFatal, err)
		}
	}
	return nil
}

func (l *Log) flushLocked() error {
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("%w: flush instruction log: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

// Flush ensures every prior Put is durable. It fsyncs the log file even
// when the log was opened without syncWrites.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync instruction log: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

// Close releases the underlying file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}
	return l.file.Close()
}
