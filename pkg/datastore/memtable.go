package datastore

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"
)

// concurrentMap is the skipmap instantiation backing one memtable
// generation, ordered by raw composite-key byte comparison.
type concurrentMap = skipmap.FuncMap[string, item]

func newConcurrentMap() *concurrentMap {
	return skipmap.NewFunc[string, item](func(a, b string) bool {
		return bytes.Compare([]byte(a), []byte(b)) < 0
	})
}

// memtable is the mutable, in-RAM write buffer of the data store. Once
// it crosses flushThreshold bytes it is rotated: the full map becomes
// immutable and a fresh empty one takes over for new writers, mirroring
// the atomic-pointer rotation used for the write path.
type memtable struct {
	flushThreshold uint64

	active atomic.Pointer[concurrentMap]
	size   atomic.Uint64

	mu  sync.Mutex
	imm []*concurrentMap
}

func newMemtable(flushThreshold uint64) *memtable {
	mt := &memtable{flushThreshold: flushThreshold}
	mt.active.Store(newConcurrentMap())
	return mt
}

func (mt *memtable) get(compositeKey []byte) (item, bool) {
	k := string(compositeKey)
	if it, ok := mt.active.Load().Load(k); ok {
		return it, true
	}
	mt.mu.Lock()
	imm := mt.imm
	mt.mu.Unlock()
	for i := len(imm) - 1; i >= 0; i-- {
		if it, ok := imm[i].Load(k); ok {
			return it, true
		}
	}
	return item{}, false
}

func (mt *memtable) put(it item) {
	entrySize := uint64(len(it.key)) + uint64(len(it.value)) + 16
	mt.size.Add(entrySize)
	mt.active.Load().Store(string(it.key), it)
}

// shouldRotate reports whether the active generation has crossed the
// flush threshold and a new one should be started before or after this
// write.
func (mt *memtable) shouldRotate() bool {
	return mt.size.Load() >= mt.flushThreshold
}

// rotate freezes the active generation into the immutable list and
// starts a fresh active one, returning the frozen generation so callers
// can flush it to disk. Also used to give scans a point-in-time view:
// rotating before a scan ensures no write issued after the scan began
// can land in the generation the scan reads from.
func (mt *memtable) rotate() *concurrentMap {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	frozen := mt.active.Load()
	mt.active.Store(newConcurrentMap())
	mt.size.Store(0)
	mt.imm = append(mt.imm, frozen)
	return frozen
}

// dropImmutable removes a generation from the immutable list once its
// contents are durable in an on-disk segment.
func (mt *memtable) dropImmutable(frozen *concurrentMap) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for i, g := range mt.imm {
		if g == frozen {
			mt.imm = append(mt.imm[:i], mt.imm[i+1:]...)
			return
		}
	}
}

// snapshotAll returns the active generation plus every immutable one,
// newest first, for point reads and scans.
func (mt *memtable) snapshotAll() []*concurrentMap {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	out := make([]*concurrentMap, 0, len(mt.imm)+1)
	out = append(out, mt.active.Load())
	for i := len(mt.imm) - 1; i >= 0; i-- {
		out = append(out, mt.imm[i])
	}
	return out
}

func (mt *memtable) approximateSize() uint64 {
	return mt.size.Load()
}

// totalApproxSize sums the active generation plus every immutable one
// still pinned by a scan or awaiting flush; unlike approximateSize it
// does not miss immutable generations after a rotation.
func (mt *memtable) totalApproxSize() uint64 {
	var total uint64
	for _, gen := range mt.snapshotAll() {
		gen.Range(func(_ string, v item) bool {
			total += uint64(len(v.key)) + uint64(len(v.value)) + 16
			return true
		})
	}
	return total
}
