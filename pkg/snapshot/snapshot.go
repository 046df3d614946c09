// Package snapshot defines the point-in-time read view the Data Store
// hands out for scans: it stays isolated for the lifetime of the
// iterator, regardless of writes committed afterward. This is distinct
// from pkg/checkpoint, which names the on-disk directory used for
// restart and replication.
package snapshot

import "corekv/pkg/types"

// Snapshot is a consistent view of the Data Store established at
// creation time; entries written after Close was never called but after
// the snapshot was taken must not become visible through it.
type Snapshot interface {
	// Clock is the highest clocked value visible through this snapshot.
	Clock() types.Clock
	// Close releases the snapshot.
	Close() error
}
