// Package types holds the shared vocabulary of the storage engine: keys,
// values, the logical clock, and the small value objects that cross
// package boundaries.
package types

import "encoding/binary"

// Key is a byte slice used as a Data Store or Instruction Log key.
type Key = []byte

// Value is an opaque byte slice payload.
type Value = []byte

// Clock is the per-core monotonic 64-bit logical counter. It is the
// version of all durable state: every persisted key that carries a clock
// encodes it big-endian so lexical order matches numeric order.
type Clock uint64

// Bytes big-endian encodes the clock for use as a log key.
func (c Clock) Bytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(c))
	return buf
}

// ClockFromBytes decodes a big-endian encoded clock.
func ClockFromBytes(b []byte) Clock {
	return Clock(binary.BigEndian.Uint64(b))
}

// Namespace selects one of the Data Store's two logical namespaces.
type Namespace string

const (
	// NamespaceData holds user records.
	NamespaceData Namespace = "data"
	// NamespaceMeta holds the reserved CLOCK_K entry and nothing else.
	NamespaceMeta Namespace = "meta"
)

// ClockKey is the reserved meta-namespace key the durable apply-clock is
// stored under. The leading NUL keeps it outside any printable-string
// user keyspace.
var ClockKey = Key("\x00CLOCK_K")

// Instruction is an opaque replayable mutation stamped with the clock it
// was accepted at. The payload is never interpreted by the storage
// engine; it is produced and consumed by the SQL/expression layer above.
type Instruction struct {
	Clock   Clock
	Payload []byte
}

// Role is the externally-assigned role of a core.
type Role int

const (
	RoleIdle Role = iota
	RolePrimary
	RoleBack
	RoleMirror
)

func (r Role) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleBack:
		return "back"
	case RoleMirror:
		return "mirror"
	default:
		return "idle"
	}
}
