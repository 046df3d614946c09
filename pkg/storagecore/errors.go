package storagecore

import "errors"

// ErrNotPrimary is returned by Flush when the core's externally-assigned
// role is not primary; only a primary may accept writes.
var ErrNotPrimary = errors.New("corekv: core is not primary")
