// Package telemetry reports coarse host load: memory, disk, and load
// average. Numbers are advisory, read straight from the kernel on Linux and
// zeroed elsewhere.
package telemetry

// Snapshot is one host load reading.
type Snapshot struct {
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	MemFreeBytes  uint64  `json:"mem_free_bytes"`
	DiskTotal     uint64  `json:"disk_total_bytes"`
	DiskFree      uint64  `json:"disk_free_bytes"`
	Load1         float64 `json:"load1"`
}

// Collect returns a snapshot. path is the filesystem to measure disk usage
// on, typically the workspace root.
func Collect(path string) Snapshot {
	return collect(path)
}
