// Package coreid names a core: the unit of replication this module
// implements. Identities are used to target RPCs and to name thread
// pools and log files.
package coreid

import "fmt"

// Identity is the (mpu_id, core_id, label, network_location) tuple that
// names a core and its place in the cluster.
type Identity struct {
	MpuID           string
	CoreID          string
	Label           string
	NetworkLocation string
}

// String renders a stable identifier suitable for log lines and file
// names ("mpu:core").
func (id Identity) String() string {
	return fmt.Sprintf("%s:%s", id.MpuID, id.CoreID)
}

// LogAttrs returns the identity as slog-style key/value pairs.
func (id Identity) LogAttrs() []any {
	return []any{
		"mpu_id", id.MpuID,
		"core_id", id.CoreID,
		"label", id.Label,
		"network_location", id.NetworkLocation,
	}
}
