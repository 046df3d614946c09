package storagecore

import (
	"context"
	"fmt"

	"corekv/pkg/checkpoint"
	"corekv/pkg/datastore"
	"corekv/pkg/dberrors"
)

// remoteCore is the transport handle the primary drives the transfer
// protocol through; replicationrpc.Client implements it. Passed in
// explicitly rather than looked up from a process-wide registry.
type remoteCore interface {
	ReceiveBackup(ctx context.Context, mpuID, coreID string) (string, error)
	ApplyBackup(ctx context.Context, mpuID, coreID string) error
	SendTree(ctx context.Context, localDir, remoteDir string) error
}

// Backup creates a new local checkpoint and prunes to the configured
// retention count.
func (c *Core) Backup() (string, error) {
	if err := c.checkAlive(); err != nil {
		return "", err
	}
	return c.doBackup()
}

func (c *Core) doBackup() (string, error) {
	name, err := c.ckpt.Create(checkpoint.LocalPrefix, c.dbDir, datastore.WALDirName)
	if err != nil {
		return "", err
	}
	if err := c.dataStore().SnapshotWAL(c.ckpt.Path(name)); err != nil {
		return "", err
	}
	keep := c.cfg.KeepCheckpoints
	if keep <= 0 {
		keep = 3
	}
	if err := c.ckpt.Prune(checkpoint.LocalPrefix, keep); err != nil {
		return "", err
	}
	return name, nil
}

// TransferTo drives the primary side of the transfer protocol against a
// follower reachable through remote: ensure a fresh local checkpoint,
// pin it, stream it, tell the follower to apply it, then unpin.
func (c *Core) TransferTo(ctx context.Context, remote remoteCore, mpuID, coreID string) error {
	if err := c.checkAlive(); err != nil {
		return err
	}

	if _, err := c.doBackup(); err != nil {
		return err
	}

	c.ckpt.Pin()
	defer c.ckpt.Unpin()

	name, ok, err := c.ckpt.Latest(checkpoint.LocalPrefix)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no local checkpoint to transfer", dberrors.ErrInvalidArgument)
	}

	remotePath, err := remote.ReceiveBackup(ctx, mpuID, coreID)
	if err != nil {
		return err
	}
	if err := remote.SendTree(ctx, c.ckpt.Path(name), remotePath); err != nil {
		return err
	}
	return remote.ApplyBackup(ctx, mpuID, coreID)
}

// ReceiveBackup is the follower-side entry point: it (re)creates an
// empty remote-checkpoint staging directory and returns its absolute
// path. Implements replicationrpc.Backend.
func (c *Core) ReceiveBackup(mpuID, coreID string) (string, error) {
	if err := c.checkAlive(); err != nil {
		return "", err
	}
	return c.ckpt.PrepareRemoteCheckpoint()
}

// ApplyBackup is the follower-side entry point that atomically adopts
// remote-checkpoint's contents as the new Data Store: close, swap
// directories, reopen. Implements replicationrpc.Backend. A second call
// after remote-checkpoint has already been consumed (renamed into live
// by the first call) finds it missing and fails cleanly without
// touching the live Data Store, leaving the first call's result intact.
func (c *Core) ApplyBackup(mpuID, coreID string) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if !c.ckpt.Exists(checkpoint.RemoteCheckpointName) {
		return fmt.Errorf("%w: no pending remote checkpoint to apply", dberrors.ErrInvalidArgument)
	}

	c.dsMu.Lock()
	defer c.dsMu.Unlock()

	if err := c.ds.Close(); err != nil {
		return err
	}
	if err := c.ckpt.SwapIn(checkpoint.RemoteCheckpointName, c.dbDir); err != nil {
		ds, reopenErr := datastore.Open(c.dbDir, c.dsOptions(), c.dsCallbacks())
		if reopenErr != nil {
			return fmt.Errorf("%w (and failed to reopen live data store after aborted swap: %v)", err, reopenErr)
		}
		c.ds = ds
		return err
	}

	ds, err := datastore.Open(c.dbDir, c.dsOptions(), c.dsCallbacks())
	if err != nil {
		return err
	}
	c.ds = ds
	return nil
}
