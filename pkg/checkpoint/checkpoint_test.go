package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCreateHardLinksSourceFiles(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(srcDir, "data.sst"), "hello")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	name, err := mgr.Create(LocalPrefix, srcDir)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(mgr.Path(name), "data.sst"))
	if err != nil {
		t.Fatalf("read checkpointed file: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want hello", data)
	}
}

func TestCreateSkipsExcludedDirs(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(srcDir, "data.sst"), "hello")
	writeFile(t, filepath.Join(srcDir, "wal", "wal.log"), "journal")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	name, err := mgr.Create(LocalPrefix, srcDir, "wal")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := os.Stat(filepath.Join(mgr.Path(name), "data.sst")); err != nil {
		t.Fatalf("expected non-excluded file to be checkpointed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mgr.Path(name), "wal")); !os.IsNotExist(err) {
		t.Fatal("expected excluded wal dir to be absent from checkpoint")
	}
}

func TestListIgnoresTmpAndSortsByName(t *testing.T) {
	root := t.TempDir()
	mgr, err := Open(root)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for _, n := range []string{"local-3", "local-1", "local-2"} {
		if err := os.MkdirAll(filepath.Join(root, n), 0o750); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(root, "local-4.tmp"), 0o750); err != nil {
		t.Fatalf("mkdir tmp: %v", err)
	}

	names, err := mgr.List("local-")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"local-1", "local-2", "local-3"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestPruneKeepsMostRecent(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(srcDir, "x"), "x")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var created []string
	for i := 0; i < 5; i++ {
		name, err := mgr.Create(LocalPrefix, srcDir)
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		created = append(created, name)
	}

	if err := mgr.Prune(LocalPrefix, 3); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	names, err := mgr.List(LocalPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("got %d checkpoints, want 3: %v", len(names), names)
	}
	for i, want := range created[2:] {
		if names[i] != want {
			t.Fatalf("kept %v, want the 3 most recent of %v", names, created)
		}
	}
}

func TestPinSuppressesPrune(t *testing.T) {
	root := t.TempDir()
	srcDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(srcDir, "x"), "x")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := mgr.Create(LocalPrefix, srcDir); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	mgr.Pin()
	if err := mgr.Prune(LocalPrefix, 0); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	names, err := mgr.List(LocalPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("pinned prune deleted checkpoints: %v", names)
	}

	mgr.Unpin()
	if err := mgr.Prune(LocalPrefix, 0); err != nil {
		t.Fatalf("Prune after unpin: %v", err)
	}
	names, err = mgr.List(LocalPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("expected all checkpoints pruned after unpin, got %v", names)
	}
}

func TestSwapInAndReconcileAfterCrash(t *testing.T) {
	root := t.TempDir()
	liveDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(liveDir, "old.sst"), "old")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	remotePath, err := mgr.PrepareRemoteCheckpoint()
	if err != nil {
		t.Fatalf("PrepareRemoteCheckpoint: %v", err)
	}
	writeFile(t, filepath.Join(remotePath, "new.sst"), "new")

	if err := mgr.SwapIn(RemoteCheckpointName, liveDir); err != nil {
		t.Fatalf("SwapIn: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(liveDir, "new.sst"))
	if err != nil {
		t.Fatalf("read swapped file: %v", err)
	}
	if string(data) != "new" {
		t.Fatalf("got %q, want new", data)
	}
	if _, err := os.Stat(filepath.Join(liveDir, "old.sst")); !os.IsNotExist(err) {
		t.Fatal("expected old live dir contents gone after swap")
	}

	if err := mgr.Reconcile(liveDir); err != nil {
		t.Fatalf("Reconcile with live present: %v", err)
	}
}

func TestReconcileCompletesInterruptedSwap(t *testing.T) {
	root := t.TempDir()
	liveDir := filepath.Join(root, "db")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	remotePath, err := mgr.PrepareRemoteCheckpoint()
	if err != nil {
		t.Fatalf("PrepareRemoteCheckpoint: %v", err)
	}
	writeFile(t, filepath.Join(remotePath, "new.sst"), "new")

	// Simulate a crash after step 3 (live renamed away, never reached
	// step 4): live is simply missing, remote-checkpoint still present.
	if err := mgr.Reconcile(liveDir); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if _, err := os.Stat(filepath.Join(liveDir, "new.sst")); err != nil {
		t.Fatalf("expected reconcile to complete the rename: %v", err)
	}
}

func TestReconcileRollsBackWhenOnlyStagingSurvives(t *testing.T) {
	root := t.TempDir()
	liveDir := filepath.Join(root, "db")
	writeFile(t, filepath.Join(liveDir, "old.sst"), "old")

	mgr, err := Open(filepath.Join(root, "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Simulate a crash that leaves only the staging dir: live renamed to
	// staging and no remote-checkpoint present to complete the swap with.
	if err := os.Rename(liveDir, deletingPath(liveDir)); err != nil {
		t.Fatalf("simulate crash: %v", err)
	}

	if err := mgr.Reconcile(liveDir); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(liveDir, "old.sst"))
	if err != nil {
		t.Fatalf("expected rollback to restore live dir: %v", err)
	}
	if string(data) != "old" {
		t.Fatalf("got %q, want old", data)
	}
}
