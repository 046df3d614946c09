// Package datastore implements the Data Store: a durable key-value
// namespace split into "data" and "meta" keyspaces, backed by an
// in-memory memtable, a write-ahead durability journal, and immutable
// on-disk sstable segments compacted in the background. It generalizes
// the single-keyspace memtable/WAL/sstable engine pattern to multiple
// namespaces via a namespace-prefixed composite key, and adds the TTL
// suffix mode and background event callbacks the Storage Core wires
// into checkpoint scheduling.
package datastore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"corekv/pkg/batch"
	"corekv/pkg/dberrors"
	"corekv/pkg/iterator"
	"corekv/pkg/snapshot"
	"corekv/pkg/types"
)

// Options configures a Store at Open time.
type Options struct {
	SyncWrites          bool
	TTLSeconds          int64
	FlushThresholdBytes int
	CompactThreshold    int
	BloomFPRate         float64
}

// Callbacks are the background event hooks the Storage Core registers
// to learn when a flush or compaction finishes, or when a background
// operation fails irrecoverably.
type Callbacks struct {
	OnFlushCompleted      func(ns types.Namespace)
	OnCompactionCompleted func(ns types.Namespace)
	OnBackgroundError     func(reason string, err error)
}

// Store is the Data Store.
type Store struct {
	dir string
	ttl ttlPolicy

	flushThresholdBytes int
	compactThreshold    int
	fpRate              float64

	mt  *memtable
	wal *walWriter

	mu       sync.RWMutex
	man      *manifest
	segments []*segment // oldest first, matching manifest order

	callbacks Callbacks
	closed    atomic.Bool
}

// Open opens (creating if absent) the data store rooted at dir.
func Open(dir string, opts Options, cb Callbacks) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: empty data store dir", dberrors.ErrInvalidArgument)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data store dir: %w", err)
	}

	flushThreshold := opts.FlushThresholdBytes
	if flushThreshold <= 0 {
		flushThreshold = 4 << 20
	}
	compactThreshold := opts.CompactThreshold
	if compactThreshold <= 0 {
		compactThreshold = 4
	}
	fpRate := opts.BloomFPRate
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	man, err := openManifest(dir)
	if err != nil {
		return nil, err
	}

	segments := make([]*segment, 0, len(man.segmentNames()))
	for _, name := range man.segmentNames() {
		seg, err := openSegment(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}

	wal, err := openWAL(filepath.Join(dir, "wal"), opts.SyncWrites)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:                  dir,
		ttl:                  newTTLPolicy(opts.TTLSeconds),
		flushThresholdBytes:  flushThreshold,
		compactThreshold:     compactThreshold,
		fpRate:               fpRate,
		mt:                   newMemtable(uint64(flushThreshold)),
		wal:                  wal,
		man:                  man,
		segments:             segments,
		callbacks:            cb,
	}

	if err := wal.replay(func(op walOp) {
		s.mt.put(item{
			key:       op.compositeKey,
			value:     op.value,
			tombstone: op.kind == walOpDelete,
			expireAt:  op.expireAt,
		})
	}); err != nil {
		return nil, fmt.Errorf("%w: replay data store wal: %v", dberrors.ErrStorageFatal, err)
	}

	return s, nil
}

// Get returns the value stored at (ns, key), or (nil, false) if absent
// or TTL-expired.
func (s *Store) Get(ns types.Namespace, key types.Key) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}
	composite := encodeCompositeKey(ns, key)

	if it, ok := s.mt.get(composite); ok {
		return s.resolve(it)
	}

	s.mu.RLock()
	segs := s.segments
	s.mu.RUnlock()

	for i := len(segs) - 1; i >= 0; i-- {
		it, ok, err := segs[i].get(composite)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return s.resolve(it)
		}
	}
	return nil, false, nil
}

func (s *Store) resolve(it item) ([]byte, bool, error) {
	if it.tombstone {
		return nil, false, nil
	}
	if s.ttl.isExpired(it.expireAt, time.Now()) {
		return nil, false, nil
	}
	return it.value, true, nil
}

// WriteBatch commits every op in b atomically: it is journaled and
// applied to the memtable as one unit, so either all of it is durable
// and visible to subsequent reads, or none of it is.
func (s *Store) WriteBatch(b *batch.Batch) error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	ops := b.Ops()
	if len(ops) == 0 {
		return nil
	}

	now := time.Now()
	walOps := make([]walOp, 0, len(ops))
	items := make([]item, 0, len(ops))

	for _, op := range ops {
		composite := encodeCompositeKey(op.Namespace, op.Key)
		switch op.Kind {
		case batch.OpPut:
			var expireAt int64
			if op.Namespace == types.NamespaceData {
				expireAt = s.ttl.expireAt(now)
			}
			walOps = append(walOps, walOp{kind: walOpPut, compositeKey: composite, value: op.Value, expireAt: expireAt})
			items = append(items, item{key: composite, value: op.Value, expireAt: expireAt})
		case batch.OpDelete:
			walOps = append(walOps, walOp{kind: walOpDelete, compositeKey: composite})
			items = append(items, item{key: composite, tombstone: true})
		}
	}

	if err := s.wal.appendBatch(walOps); err != nil {
		return err
	}
	for _, it := range items {
		s.mt.put(it)
	}

	if s.mt.shouldRotate() {
		if err := s.flushMemtable(types.NamespaceData); err != nil {
			if s.callbacks.OnBackgroundError != nil {
				s.callbacks.OnBackgroundError("flush", err)
			}
			return err
		}
	}
	return nil
}

// flushMemtable rotates the active memtable generation to disk as a new
// segment, then rotates the WAL to a fresh empty file since its contents
// are now durable there. ns is passed through only to the completion callback, since a
// data-store-wide flush always covers both namespaces at once.
func (s *Store) flushMemtable(ns types.Namespace) error {
	frozen := s.mt.rotate()

	var items []item
	frozen.Range(func(k string, v item) bool {
		items = append(items, v)
		return true
	})
	sort.Slice(items, func(i, j int) bool { return bytes.Compare(items[i].key, items[j].key) < 0 })

	if len(items) == 0 {
		s.mt.dropImmutable(frozen)
		return nil
	}

	s.mu.Lock()
	name := s.man.nextSegmentName()
	s.mu.Unlock()

	seg, err := writeSegment(filepath.Join(s.dir, name), items, s.fpRate)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.segments = append(s.segments, seg)
	if err := s.man.addSegment(name); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.mt.dropImmutable(frozen)

	if err := s.wal.reset(); err != nil {
		return err
	}

	if s.callbacks.OnFlushCompleted != nil {
		s.callbacks.OnFlushCompleted(ns)
	}
	if len(s.segments) >= s.compactThreshold {
		go func() {
			if err := s.Compact(); err != nil && s.callbacks.OnBackgroundError != nil {
				s.callbacks.OnBackgroundError("compact", err)
			}
		}()
	}
	return nil
}

// Compact merges every current segment into one, dropping tombstones
// and TTL-expired entries since no older segment survives to need them.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}

	s.mu.RLock()
	segs := append([]*segment(nil), s.segments...)
	s.mu.RUnlock()
	if len(segs) < 2 {
		return nil
	}

	merged := make(map[string]item, 1024)
	var order []string
	for _, seg := range segs {
		items, err := seg.items()
		if err != nil {
			return err
		}
		for _, it := range items {
			k := string(it.key)
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = it // later (newer) segments overwrite earlier ones
		}
	}

	now := time.Now()
	live := make([]item, 0, len(order))
	for _, k := range order {
		it := merged[k]
		if it.tombstone || s.ttl.isExpired(it.expireAt, now) {
			continue
		}
		live = append(live, it)
	}
	sort.Slice(live, func(i, j int) bool { return bytes.Compare(live[i].key, live[j].key) < 0 })

	s.mu.Lock()
	name := s.man.nextSegmentName()
	s.mu.Unlock()

	var newSeg *segment
	if len(live) > 0 {
		var err error
		newSeg, err = writeSegment(filepath.Join(s.dir, name), live, s.fpRate)
		if err != nil {
			return err
		}
	}

	oldNames := make([]string, len(segs))
	for i, seg := range segs {
		oldNames[i] = filepath.Base(seg.path)
	}

	s.mu.Lock()
	if newSeg != nil {
		if err := s.man.replaceSegments(oldNames, name); err != nil {
			s.mu.Unlock()
			return err
		}
		s.segments = []*segment{newSeg}
	} else {
		if err := s.man.replaceSegments(oldNames, ""); err != nil {
			s.mu.Unlock()
			return err
		}
		s.segments = nil
	}
	s.mu.Unlock()

	for _, seg := range segs {
		seg.close()
		os.Remove(seg.path)
	}

	if s.callbacks.OnCompactionCompleted != nil {
		s.callbacks.OnCompactionCompleted(types.NamespaceData)
	}
	return nil
}

// ApproximateCount returns the number of live keys in ns, counted with a
// full Scan, so tombstoned and TTL-expired entries are not included.
func (s *Store) ApproximateCount(ns types.Namespace) (uint64, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	var count uint64
	it, err := s.Scan(ns, nil, nil, true, true)
	if err != nil {
		return 0, err
	}
	defer it.Close()
	for it.First(); it.Valid(); it.Next() {
		count++
	}
	return count, nil
}

// ApproximateSize estimates the on-disk plus in-memory byte footprint
// of the whole store. ns is not used: entries of every namespace and
// every segment are counted.
func (s *Store) ApproximateSize(ns types.Namespace) (uint64, error) {
	if s.closed.Load() {
		return 0, dberrors.ErrClosed
	}
	var size uint64
	size += s.mt.totalApproxSize()

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, seg := range s.segments {
		size += uint64(seg.size)
	}
	return size, nil
}

// SnapshotWAL copies the write-ahead journal's current bytes into
// destDir/WALDirName/wal.log. Checkpoint creation hard-links every
// other Data Store file but calls this for the journal instead, since
// the journal keeps being appended to and rotated after the checkpoint
// is taken and a hard link would let those later writes mutate the
// checkpoint's supposedly frozen copy.
func (s *Store) SnapshotWAL(destDir string) error {
	return s.wal.snapshotTo(filepath.Join(destDir, WALDirName, walFileName))
}

// Close flushes pending state and releases every open file handle.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.wal.close(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, seg := range s.segments {
		if err := seg.close(); err != nil {
			return err
		}
	}
	return nil
}

// snapshotHandle implements snapshot.Snapshot for a point-in-time scan.
type snapshotHandle struct {
	clock types.Clock
}

func (h *snapshotHandle) Clock() types.Clock { return h.clock }
func (h *snapshotHandle) Close() error       { return nil }

// NewSnapshot rotates the memtable so no future write can land in the
// generation this snapshot's scans will read from, then returns a
// handle stamped with the namespace's current durable clock.
func (s *Store) NewSnapshot(clock types.Clock) snapshot.Snapshot {
	s.mt.rotate()
	return &snapshotHandle{clock: clock}
}

// Scan returns a snapshot-isolated, ordered iterator over [lo, hi) in
// ns. A nil lo means "from the start of ns"; a nil hi means "to the end
// of ns". include{Lo,Hi} adjust the boundary inclusivity.
func (s *Store) Scan(ns types.Namespace, lo, hi types.Key, includeLo, includeHi bool) (iterator.Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	lowerComposite := namespaceLowerBound(ns)
	if lo != nil {
		lowerComposite = encodeCompositeKey(ns, lo)
		if !includeLo {
			lowerComposite = append(lowerComposite, 0x00)
		}
	}
	upperComposite, bounded := namespaceUpperBound(ns)
	if hi != nil {
		upperComposite = encodeCompositeKey(ns, hi)
		bounded = true
		if includeHi {
			upperComposite = append(upperComposite, 0x00)
		}
	}

	// Rotating before collecting gives the iterator a true point-in-time
	// view: every write issued after this call lands in a fresh
	// generation this scan never reads from.
	s.mt.rotate()

	merged := make(map[string]item)
	var order []string

	collect := func(it item) {
		k := string(it.key)
		if bytes.Compare(it.key, lowerComposite) < 0 {
			return
		}
		if bounded && bytes.Compare(it.key, upperComposite) >= 0 {
			return
		}
		if _, seen := merged[k]; !seen {
			order = append(order, k)
			merged[k] = it
		}
	}

	for _, gen := range s.mt.snapshotAll() {
		gen.Range(func(_ string, v item) bool {
			collect(v)
			return true
		})
	}

	s.mu.RLock()
	segs := append([]*segment(nil), s.segments...)
	s.mu.RUnlock()
	for i := len(segs) - 1; i >= 0; i-- {
		items, err := segs[i].items()
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			collect(it)
		}
	}

	sort.Strings(order)
	now := time.Now()
	live := make([]item, 0, len(order))
	for _, k := range order {
		it := merged[k]
		if it.tombstone || s.ttl.isExpired(it.expireAt, now) {
			continue
		}
		live = append(live, it)
	}

	return &storeIterator{store: s, items: live, pos: -1}, nil
}

// storeIterator is the restartable, finite iterator Scan hands out. Its
// backing slice is materialized once at Scan time, which is what makes
// it snapshot-isolated: later writes cannot mutate it.
type storeIterator struct {
	store *Store
	items []item
	pos   int
}

func (it *storeIterator) Seek(target types.Key) {
	it.pos = sort.Search(len(it.items), func(i int) bool {
		_, k := decodeCompositeKey(it.items[i].key)
		return bytes.Compare(k, target) >= 0
	}) - 1
	it.Next()
}

func (it *storeIterator) First() { it.pos = -1; it.Next() }

func (it *storeIterator) Next() { it.pos++ }

func (it *storeIterator) Valid() bool { return it.pos >= 0 && it.pos < len(it.items) }

func (it *storeIterator) Key() types.Key {
	_, k := decodeCompositeKey(it.items[it.pos].key)
	return k
}

func (it *storeIterator) Value() types.Value { return it.items[it.pos].value }

func (it *storeIterator) Close() error { return nil }
