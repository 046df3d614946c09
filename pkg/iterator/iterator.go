// Package iterator defines the ordered, restartable, finite iterator the
// Data Store hands out for scan().
package iterator

import "corekv/pkg/types"

// Iterator walks a sorted sequence of key-value pairs.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value.
	Value() types.Value
	// Close releases resources.
	Close() error
}
