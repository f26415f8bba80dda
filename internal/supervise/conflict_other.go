//go:build !linux

package supervise

// conflictingProcess has no portable way to resolve a listening socket to
// an owning process without shelling out; platforms other than linux just
// report the bind failure without a process name.
func conflictingProcess(port int) string {
	return ""
}
