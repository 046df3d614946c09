// Package dberrors collects the sentinel errors shared across storage
// engine packages, split into a fatal/transient taxonomy so callers can
// distinguish them with errors.Is.
package dberrors

import "errors"

var (
	// ErrNotFound means "key absent", not failure. Point reads in this
	// module report a miss with a false ok result instead of returning it.
	ErrNotFound = errors.New("corekv: not found")

	// ErrClosed is returned by any operation on a destroyed core or a
	// closed handle.
	ErrClosed = errors.New("corekv: closed")

	// ErrInvalidArgument flags a caller error, e.g. an inverted range.
	ErrInvalidArgument = errors.New("corekv: invalid argument")

	// ErrCompactionRunning names a second compaction requested while one
	// is in flight. datastore.Store.Compact does not return it: concurrent
	// compactions are not detected.
	ErrCompactionRunning = errors.New("corekv: compaction running")

	// ErrStorageFatal wraps any durable I/O failure: a batch write, a
	// checkpoint create, or a rename that failed. It is never recovered
	// inside the core; check with errors.Is against this sentinel. The
	// core does not record that one occurred: later operations on it are
	// still attempted.
	ErrStorageFatal = errors.New("corekv: fatal storage error")

	// ErrTransferTransient marks a retryable failure of a file stream or
	// RPC during a checkpoint transfer. The whole transfer may be
	// retried; partial remote state is discarded by the next backup
	// receive.
	ErrTransferTransient = errors.New("corekv: transient transfer error")

	// ErrCancelled marks an operation that observed an explicit
	// cancellation signal.
	ErrCancelled = errors.New("corekv: cancelled")
)
