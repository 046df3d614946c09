// Package checkpoint implements the Checkpoint Manager: it creates,
// names, enumerates, prunes, and restores consistent on-disk snapshots
// of a Data Store directory. Snapshot creation is hard-link-style so it
// stays cheap enough to run automatically after every flush and
// compaction, and restore implements the crash-safe directory-rename
// swap protocol used to adopt a received remote snapshot.
package checkpoint

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"corekv/pkg/dberrors"
)

const (
	// RemoteCheckpointName is the single staging slot every core reserves
	// for an inbound snapshot transfer.
	RemoteCheckpointName = "remote-checkpoint"

	// LocalPrefix names checkpoints this core produced from its own
	// Data Store.
	LocalPrefix = "local-"

	tmpSuffix      = ".tmp"
	deletingPrefix = "will_delete_soon_"
)

// Manager owns the checkpoint tree rooted at dir (typically
// "<core>/checkpoint").
type Manager struct {
	dir string

	mu     sync.Mutex
	pinned atomic.Bool

	lastNanos int64
}

// Open ensures dir exists and returns a Manager rooted at it.
func Open(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Manager{dir: dir}, nil
}

// monotonicNanos returns a nanosecond timestamp guaranteed to be
// strictly greater than the one returned by the previous call on this
// Manager, so checkpoint names sort in creation order even when the
// wall clock does not advance between two calls.
func (m *Manager) monotonicNanos() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= m.lastNanos {
		now = m.lastNanos + 1
	}
	m.lastNanos = now
	return now
}

// Create produces a new checkpoint directory named prefix plus a
// monotonic nanosecond timestamp, containing a hard-linked copy of
// every regular file under srcDir except the subdirectories named in
// skipDirs. Hard-linking (rather than copying bytes) is what keeps
// this cheap enough to call after every flush; skipDirs exists for
// subtrees like the write-ahead journal that keep changing after the
// checkpoint is taken, where a hard link would let later writes mutate
// what is supposed to be a frozen copy. Callers are responsible for
// populating any skipped subtree by other means (see
// datastore.Store.SnapshotWAL).
func (m *Manager) Create(prefix, srcDir string, skipDirs ...string) (string, error) {
	name := fmt.Sprintf("%s%d", prefix, m.monotonicNanos())
	finalPath := filepath.Join(m.dir, name)
	tmpPath := finalPath + tmpSuffix

	if err := os.RemoveAll(tmpPath); err != nil {
		return "", fmt.Errorf("%w: clear stale checkpoint staging dir: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.MkdirAll(tmpPath, 0o750); err != nil {
		return "", fmt.Errorf("%w: create checkpoint staging dir: %v", dberrors.ErrStorageFatal, err)
	}

	if err := hardLinkTree(srcDir, tmpPath, skipDirs); err != nil {
		os.RemoveAll(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.RemoveAll(tmpPath)
		return "", fmt.Errorf("%w: install checkpoint: %v", dberrors.ErrStorageFatal, err)
	}
	return name, nil
}

func hardLinkTree(srcDir, dstDir string, skipDirs []string) error {
	return filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if d.IsDir() && rel != "." && contains(skipDirs, rel) {
			return fs.SkipDir
		}
		dstPath := filepath.Join(dstDir, rel)
		if d.IsDir() {
			if rel == "." {
				return nil
			}
			return os.MkdirAll(dstPath, 0o750)
		}
		if err := os.MkdirAll(filepath.Dir(dstPath), 0o750); err != nil {
			return err
		}
		if err := os.Link(path, dstPath); err != nil {
			return fmt.Errorf("%w: hard-link %s: %v", dberrors.ErrStorageFatal, rel, err)
		}
		return nil
	})
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// List returns every non-.tmp checkpoint name matching prefix, in
// creation order (directory-name order, since names embed monotonic
// timestamps).
func (m *Manager) List(prefix string) ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list checkpoints: %v", dberrors.ErrStorageFatal, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, tmpSuffix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the lexicographically largest non-.tmp checkpoint
// matching prefix.
func (m *Manager) Latest(prefix string) (string, bool, error) {
	names, err := m.List(prefix)
	if err != nil {
		return "", false, err
	}
	if len(names) == 0 {
		return "", false, nil
	}
	return names[len(names)-1], true, nil
}

// Pin suppresses Prune for the duration of an in-flight transfer of the
// latest checkpoint.
func (m *Manager) Pin() { m.pinned.Store(true) }

// Unpin releases a prior Pin.
func (m *Manager) Unpin() { m.pinned.Store(false) }

// Prune deletes every checkpoint under prefix except the keepCount most
// recent. It is a no-op while a transfer holds the pin.
func (m *Manager) Prune(prefix string, keepCount int) error {
	if m.pinned.Load() {
		return nil
	}
	names, err := m.List(prefix)
	if err != nil {
		return err
	}
	if len(names) <= keepCount {
		return nil
	}
	for _, name := range names[:len(names)-keepCount] {
		if err := os.RemoveAll(filepath.Join(m.dir, name)); err != nil {
			return fmt.Errorf("%w: prune checkpoint %s: %v", dberrors.ErrStorageFatal, name, err)
		}
	}
	return nil
}

// Path returns the absolute path of checkpoint name.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, name)
}

// Exists reports whether checkpoint name is currently present on disk.
func (m *Manager) Exists(name string) bool {
	_, err := os.Stat(m.Path(name))
	return err == nil
}

// PrepareRemoteCheckpoint (re)creates an empty remote-checkpoint
// directory, deleting any prior contents, for receive_backup to hand
// its absolute path back to the caller.
func (m *Manager) PrepareRemoteCheckpoint() (string, error) {
	path := m.Path(RemoteCheckpointName)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("%w: clear remote checkpoint staging: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return "", fmt.Errorf("%w: create remote checkpoint staging: %v", dberrors.ErrStorageFatal, err)
	}
	return path, nil
}

// SwapIn performs the crash-safe directory rename sequence that adopts
// checkpointName as liveDir: rename live to a "will_delete_soon_"
// staging name, rename the checkpoint into live's place, then delete
// the staging name. Callers must close every handle onto liveDir before
// calling this and reopen them on the same path afterward.
func (m *Manager) SwapIn(checkpointName, liveDir string) error {
	checkpointPath := m.Path(checkpointName)
	if _, err := os.Stat(checkpointPath); err != nil {
		return fmt.Errorf("%w: checkpoint %s missing: %v", dberrors.ErrStorageFatal, checkpointName, err)
	}

	deletingPath := deletingPath(liveDir)
	if _, err := os.Stat(liveDir); err == nil {
		if err := os.Rename(liveDir, deletingPath); err != nil {
			return fmt.Errorf("%w: stage live dir for deletion: %v", dberrors.ErrStorageFatal, err)
		}
	}
	if err := os.Rename(checkpointPath, liveDir); err != nil {
		return fmt.Errorf("%w: install checkpoint as live dir: %v", dberrors.ErrStorageFatal, err)
	}
	if err := os.RemoveAll(deletingPath); err != nil {
		return fmt.Errorf("%w: delete staged live dir: %v", dberrors.ErrStorageFatal, err)
	}
	return nil
}

func deletingPath(liveDir string) string {
	dir, base := filepath.Split(filepath.Clean(liveDir))
	return filepath.Join(dir, deletingPrefix+base)
}

// Reconcile recovers from a crash between SwapIn's steps: if liveDir is
// missing and remote-checkpoint exists, the swap is completed; if
// liveDir is missing and a will_delete_soon_* staging dir exists, the
// swap is rolled back by renaming it back into place. If liveDir
// already exists, no recovery is needed.
func (m *Manager) Reconcile(liveDir string) error {
	if _, err := os.Stat(liveDir); err == nil {
		return nil
	}

	remotePath := m.Path(RemoteCheckpointName)
	if _, err := os.Stat(remotePath); err == nil {
		return os.Rename(remotePath, liveDir)
	}

	deletingPath := deletingPath(liveDir)
	if _, err := os.Stat(deletingPath); err == nil {
		return os.Rename(deletingPath, liveDir)
	}

	return nil
}
