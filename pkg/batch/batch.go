// Package batch defines the write-batch abstraction the Data Store
// commits atomically: either every staged op becomes durable, or none
// does.
package batch

import "corekv/pkg/types"

// OpKind distinguishes a put from a delete within a batch.
type OpKind uint8

const (
	OpPut OpKind = iota
	OpDelete
)

// Op is a single namespaced mutation.
type Op struct {
	Kind      OpKind
	Namespace types.Namespace
	Key       types.Key
	Value     types.Value
}

// Batch groups multiple namespaced mutations for atomic commit. It is
// scoped to one Instruction by the Storage Core's writer().
type Batch struct {
	ops []Op
}

// New returns an empty batch.
func New() *Batch {
	return &Batch{}
}

// Put stages a put in the given namespace.
func (b *Batch) Put(ns types.Namespace, key, value types.Key) {
	b.ops = append(b.ops, Op{Kind: OpPut, Namespace: ns, Key: key, Value: value})
}

// Delete stages a delete in the given namespace.
func (b *Batch) Delete(ns types.Namespace, key types.Key) {
	b.ops = append(b.ops, Op{Kind: OpDelete, Namespace: ns, Key: key})
}

// Clear empties the batch, allowing reuse.
func (b *Batch) Clear() {
	b.ops = b.ops[:0]
}

// Count returns the number of staged operations.
func (b *Batch) Count() int {
	return len(b.ops)
}

// Ops returns the staged operations in submission order. Callers must
// not mutate the returned slice.
func (b *Batch) Ops() []Op {
	return b.ops
}
