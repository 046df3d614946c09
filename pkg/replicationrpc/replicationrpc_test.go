package replicationrpc

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"corekv/pkg/dberrors"
)

type fakeBackend struct {
	receivedDir string
	applyErr    error
	applyCalls  int
}

func (f *fakeBackend) ReceiveBackup(mpuID, coreID string) (string, error) {
	if f.receivedDir == "" {
		return "", dberrors.ErrStorageFatal
	}
	return f.receivedDir, nil
}

func (f *fakeBackend) ApplyBackup(mpuID, coreID string) error {
	f.applyCalls++
	return f.applyErr
}

func newTestServer(t *testing.T, backend Backend) (*httptest.Server, func()) {
	t.Helper()
	srv := NewServer(backend, ":0", nil)
	ts := httptest.NewServer(srv.router())
	return ts, ts.Close
}

func TestReceiveBackupReturnsDestinationPath(t *testing.T) {
	dest := t.TempDir()
	backend := &fakeBackend{receivedDir: dest}
	ts, closeFn := newTestServer(t, backend)
	defer closeFn()

	client := NewClient(ts.URL)
	path, err := client.ReceiveBackup(context.Background(), "mpu1", "core1")
	if err != nil {
		t.Fatalf("ReceiveBackup: %v", err)
	}
	if path != dest {
		t.Fatalf("got %q, want %q", path, dest)
	}
}

func TestApplyBackupInvokesBackend(t *testing.T) {
	backend := &fakeBackend{receivedDir: t.TempDir()}
	ts, closeFn := newTestServer(t, backend)
	defer closeFn()

	client := NewClient(ts.URL)
	if err := client.ApplyBackup(context.Background(), "mpu1", "core1"); err != nil {
		t.Fatalf("ApplyBackup: %v", err)
	}
	if backend.applyCalls != 1 {
		t.Fatalf("apply calls = %d, want 1", backend.applyCalls)
	}
}

func TestSendFileWritesDestinationAndOverwritesExisting(t *testing.T) {
	backend := &fakeBackend{receivedDir: t.TempDir()}
	ts, closeFn := newTestServer(t, backend)
	defer closeFn()

	localDir := t.TempDir()
	localPath := filepath.Join(localDir, "local.sst")
	if err := os.WriteFile(localPath, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write local file: %v", err)
	}

	remoteDir := t.TempDir()
	remoteDest := filepath.Join(remoteDir, "local.sst")
	if err := os.WriteFile(remoteDest, []byte("stale"), 0o600); err != nil {
		t.Fatalf("seed stale remote file: %v", err)
	}

	client := NewClient(ts.URL)
	if err := client.SendFile(context.Background(), localPath, remoteDest); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	got, err := os.ReadFile(remoteDest)
	if err != nil {
		t.Fatalf("read remote file: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want payload", got)
	}
}

func TestSendTreeCopiesEveryFilePreservingRelativePaths(t *testing.T) {
	backend := &fakeBackend{receivedDir: t.TempDir()}
	ts, closeFn := newTestServer(t, backend)
	defer closeFn()

	localDir := t.TempDir()
	os.MkdirAll(filepath.Join(localDir, "sub"), 0o750)
	os.WriteFile(filepath.Join(localDir, "a.sst"), []byte("a"), 0o600)
	os.WriteFile(filepath.Join(localDir, "sub", "b.sst"), []byte("b"), 0o600)

	remoteDir := t.TempDir()

	client := NewClient(ts.URL)
	if err := client.SendTree(context.Background(), localDir, remoteDir); err != nil {
		t.Fatalf("SendTree: %v", err)
	}

	for _, rel := range []string{"a.sst", filepath.Join("sub", "b.sst")} {
		if _, err := os.Stat(filepath.Join(remoteDir, rel)); err != nil {
			t.Fatalf("expected %s to exist on remote: %v", rel, err)
		}
	}
}

func TestReceiveBackupSurfacesBackendFailureAsTransient(t *testing.T) {
	backend := &fakeBackend{}
	ts, closeFn := newTestServer(t, backend)
	defer closeFn()

	client := NewClient(ts.URL)
	_, err := client.ReceiveBackup(context.Background(), "mpu1", "core1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, dberrors.ErrTransferTransient) {
		t.Fatalf("err = %v, want ErrTransferTransient", err)
	}
}
