// Package replicationrpc implements the Replication Transport Adapter: an
// HTTP server exposing the receive_backup/apply_backup RPCs plus a
// one-shot file-streaming primitive, and a client that drives the
// primary-to-follower transfer protocol against a remote core's server.
package replicationrpc

const (
	// PathReceiveBackup is also reachable as /transfer_backup, its
	// external-interface alias.
	PathReceiveBackup  = "/receive_backup"
	PathTransferBackup = "/transfer_backup"
	PathApplyBackup    = "/apply_backup"
	PathFileTransfer   = "/file_transfer"

	queryMPU  = "mpu"
	queryCore = "core"
	queryDest = "dest"

	headerSessionID = "X-Session-Id"
)

// Backend is the subset of the Storage Core that the transport adapter
// drives. storagecore.Core implements it.
type Backend interface {
	ReceiveBackup(mpuID, coreID string) (string, error)
	ApplyBackup(mpuID, coreID string) error
}

type errorResponse struct {
	Error string `json:"error"`
}

type receiveBackupResponse struct {
	Path string `json:"path"`
}
