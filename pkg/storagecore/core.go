// Package storagecore implements the Storage Core: the single per-core
// facade holding handles to the Instruction Log, Data Store, and
// Checkpoint Manager, plus the control-plane task runner and the
// externally-driven role state machine that gate writes to a single
// primary.
package storagecore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"corekv/pkg/batch"
	"corekv/pkg/checkpoint"
	"corekv/pkg/clock"
	"corekv/pkg/config"
	"corekv/pkg/coreid"
	"corekv/pkg/datastore"
	"corekv/pkg/dberrors"
	"corekv/pkg/instructionlog"
	"corekv/pkg/iterator"
	"corekv/pkg/metrics"
	"corekv/pkg/rolewatch"
	"corekv/pkg/types"
)

// coalesceDelay is the pause the flush/compaction background hooks wait
// before triggering a checkpoint, so bursts of small flushes collapse
// into one backup.
const coalesceDelay = time.Second

// clearRangeCompactionPeriod is how often clear_clock also range-deletes
// everything below the cleared clock.
const clearRangeCompactionPeriod = 1_000_000

// Reader is the read handle Storage Core hands out: point reads and
// snapshot-isolated scans, safe for concurrent use without external
// locking.
type Reader interface {
	Get(ns types.Namespace, key types.Key) ([]byte, bool, error)
	Scan(ns types.Namespace, lo, hi types.Key, includeLo, includeHi bool) (iterator.Iterator, error)
}

// Writer accumulates a batch of namespaced mutations scoped to one
// Instruction, committed atomically by Flush.
type Writer struct {
	instruction types.Instruction
	batch       *batch.Batch
}

// Put stages a put in the given namespace.
func (w *Writer) Put(ns types.Namespace, key, value types.Key) { w.batch.Put(ns, key, value) }

// Delete stages a delete in the given namespace.
func (w *Writer) Delete(ns types.Namespace, key types.Key) { w.batch.Delete(ns, key) }

// Core is the Storage Core.
type Core struct {
	identity coreid.Identity
	cfg      config.CoreConfig
	dbDir    string
	log      *slog.Logger

	dsMu sync.RWMutex
	ds   *datastore.Store

	ilog *instructionlog.Log
	ckpt *checkpoint.Manager

	// tick mirrors the instruction log's persisted accept-clock in
	// memory, so Clock reads never touch disk on the hot path.
	tick *clock.AtomicClock

	runner *controlRunner

	roleMu  sync.Mutex
	role    types.Role
	flushMu sync.Mutex

	clearCount atomic.Uint64

	collector   metrics.Collector
	statsCancel context.CancelFunc

	destroyed atomic.Bool
}

// Open opens (creating if absent) every subsystem rooted at root/db,
// root/instruction, and root/checkpoint, recovering from any crash mid
// apply-backup swap before the Data Store is opened.
func Open(root string, identity coreid.Identity, cfg config.CoreConfig, collector metrics.Collector, log *slog.Logger) (*Core, error) {
	if log == nil {
		log = slog.Default()
	}
	dbDir := filepath.Join(root, "db")
	instrDir := filepath.Join(root, "instruction")
	ckptDir := filepath.Join(root, "checkpoint")

	ckpt, err := checkpoint.Open(ckptDir)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint manager: %w", err)
	}
	if err := ckpt.Reconcile(dbDir); err != nil {
		return nil, fmt.Errorf("%w: reconcile apply-backup swap: %v", dberrors.ErrStorageFatal, err)
	}

	c := &Core{
		identity:  identity,
		cfg:       cfg,
		dbDir:     dbDir,
		ckpt:      ckpt,
		log:       log,
		collector: collector,
	}

	ds, err := datastore.Open(dbDir, c.dsOptions(), c.dsCallbacks())
	if err != nil {
		return nil, err
	}
	c.ds = ds

	ilog, err := instructionlog.Open(instrDir, cfg.SyncWrites)
	if err != nil {
		ds.Close()
		return nil, err
	}
	c.ilog = ilog

	persistedTick, err := ilog.ReadTick()
	if err != nil {
		ds.Close()
		ilog.Close()
		return nil, err
	}
	c.tick = clock.NewAtomic(uint64(persistedTick))

	c.runner = newControlRunner(func(err error) {
		log.Error("control-plane task failed", "core", identity.String(), "error", err)
	})
	c.runner.Start(context.Background())

	c.startStats(context.Background())

	return c, nil
}

func (c *Core) dsOptions() datastore.Options {
	return datastore.Options{
		SyncWrites:          c.cfg.SyncWrites,
		TTLSeconds:          c.cfg.TTLSeconds,
		FlushThresholdBytes: c.cfg.Memtable.FlushThresholdBytes,
		CompactThreshold:    c.cfg.SSTable.CompactThreshold,
		BloomFPRate:         c.cfg.BloomFilter.FPRate,
	}
}

func (c *Core) dsCallbacks() datastore.Callbacks {
	return datastore.Callbacks{
		OnFlushCompleted:      c.onFlushCompleted,
		OnCompactionCompleted: c.onCompactionCompleted,
		OnBackgroundError:     c.onBackgroundError,
	}
}

func (c *Core) onFlushCompleted(ns types.Namespace) {
	c.runner.Submit(func() error {
		time.Sleep(coalesceDelay)
		// The data and meta namespaces share one Data Store engine, so
		// this flush already covers meta; only the checkpoint remains.
		_, err := c.doBackup()
		return err
	})
}

func (c *Core) onCompactionCompleted(ns types.Namespace) {
	c.runner.Submit(func() error {
		time.Sleep(coalesceDelay)
		_, err := c.doBackup()
		return err
	})
}

func (c *Core) onBackgroundError(reason string, err error) {
	c.log.Error("data store background operation failed", "core", c.identity.String(), "reason", reason, "error", err)
}

func (c *Core) checkAlive() error {
	if c.destroyed.Load() {
		return dberrors.ErrClosed
	}
	return nil
}

func (c *Core) dataStore() *datastore.Store {
	c.dsMu.RLock()
	defer c.dsMu.RUnlock()
	return c.ds
}

// Reader returns a snapshot-isolated read handle; no external locking is
// required.
func (c *Core) Reader() Reader {
	return c.dataStore()
}

// Writer returns a write-batch builder scoped to instruction.
func (c *Core) Writer(instruction types.Instruction) *Writer {
	return &Writer{instruction: instruction, batch: batch.New()}
}

// Flush commits w's accumulated batch atomically, augmented with the
// durable apply-clock update. Only a primary core may flush.
func (c *Core) Flush(w *Writer) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	if c.Role() != types.RolePrimary {
		return ErrNotPrimary
	}

	w.batch.Put(types.NamespaceMeta, types.ClockKey, w.instruction.Clock.Bytes())
	return c.dataStore().WriteBatch(w.batch)
}

// Tick records that the core has accepted clock into the instruction
// log's replay window.
func (c *Core) Tick(tick types.Clock) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.ilog.WriteTick(tick); err != nil {
		return err
	}
	c.tick.Set(uint64(tick))
	return nil
}

// SaveInstruction adds a replayable instruction to the log.
func (c *Core) SaveInstruction(clock types.Clock, payload []byte) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	return c.ilog.Put(clock, payload)
}

// ReappearInstruction looks up a previously saved instruction.
func (c *Core) ReappearInstruction(clock types.Clock) ([]byte, bool, error) {
	if err := c.checkAlive(); err != nil {
		return nil, false, err
	}
	return c.ilog.Get(clock)
}

// ClearClock removes the logged instruction at clock. Every 1,000,000
// calls it also range-deletes every entry below clock.
func (c *Core) ClearClock(clock types.Clock) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if err := c.ilog.Delete(clock); err != nil {
		return err
	}
	if c.clearCount.Add(1)%clearRangeCompactionPeriod == 0 {
		return c.ilog.DeleteRange(0, clock)
	}
	return nil
}

// Clocked returns the current durable apply-clock, read from the meta
// namespace; a missing key returns 0.
func (c *Core) Clocked() (types.Clock, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	val, ok, err := c.dataStore().Get(types.NamespaceMeta, types.ClockKey)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return types.ClockFromBytes(val), nil
}

// Clock returns the current accept-clock. It is served from an in-memory
// atomic counter kept in step with every Tick, so it never touches disk.
func (c *Core) Clock() (types.Clock, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	return types.Clock(c.tick.Val()), nil
}

// ApproximateCount estimates the number of live keys in the data
// namespace.
func (c *Core) ApproximateCount() (uint64, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	return c.dataStore().ApproximateCount(types.NamespaceData)
}

// ApproximateSize estimates the on-disk plus in-memory footprint of the
// Data Store; the figure covers the meta namespace as well as the data
// namespace.
func (c *Core) ApproximateSize() (uint64, error) {
	if err := c.checkAlive(); err != nil {
		return 0, err
	}
	return c.dataStore().ApproximateSize(types.NamespaceData)
}

// Role returns the core's current externally-assigned role.
func (c *Core) Role() types.Role {
	c.roleMu.Lock()
	defer c.roleMu.Unlock()
	return c.role
}

func (c *Core) setRole(r types.Role) {
	c.roleMu.Lock()
	c.role = r
	c.roleMu.Unlock()
}

// ApplyRoleEvent advances the role state machine on an externally
// delivered role change. A transition into primary may return a
// non-empty slice of instructions the caller must replay: those
// accepted (ticked) but never durably flushed. A transition away from
// primary blocks until any Flush already in flight completes.
func (c *Core) ApplyRoleEvent(ev rolewatch.RoleEvent) ([]types.Instruction, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}

	switch ev.Kind {
	case rolewatch.LostPrimary:
		c.flushMu.Lock()
		c.setRole(types.RoleIdle)
		c.flushMu.Unlock()
		return nil, nil
	case rolewatch.BecameBack:
		c.setRole(types.RoleBack)
		return nil, nil
	case rolewatch.BecameMirror:
		c.setRole(types.RoleMirror)
		return nil, nil
	case rolewatch.BecamePrimary:
		pending, err := c.pendingInstructions(ev.Clock)
		if err != nil {
			return nil, err
		}
		c.setRole(types.RolePrimary)
		return pending, nil
	default:
		return nil, nil
	}
}

// pendingInstructions returns every logged instruction whose clock is
// greater than the durable apply-clock and no greater than tick.
func (c *Core) pendingInstructions(tick types.Clock) ([]types.Instruction, error) {
	clocked, err := c.Clocked()
	if err != nil {
		return nil, err
	}
	var pending []types.Instruction
	err = c.ilog.Range(clocked+1, tick+1, func(clock types.Clock, payload []byte) error {
		pending = append(pending, types.Instruction{Clock: clock, Payload: append([]byte(nil), payload...)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}

// Destroy closes the Data Store and Instruction Log and stops the
// control-plane runner. The on-disk directory is deliberately left in
// place to avoid file-handle leaks on any operation still in flight.
func (c *Core) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return dberrors.ErrClosed
	}
	c.runner.Stop()
	c.stopStats()

	c.dsMu.Lock()
	defer c.dsMu.Unlock()
	if err := c.ds.Close(); err != nil {
		return err
	}
	return c.ilog.Close()
}
