//go:build linux

package telemetry

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
)

func collect(path string) Snapshot {
	var snap Snapshot

	if f, err := os.Open("/proc/meminfo"); err == nil {
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			fields := strings.Fields(sc.Text())
			if len(fields) < 2 {
				continue
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				continue
			}
			switch fields[0] {
			case "MemTotal:":
				snap.MemTotalBytes = kb << 10
			case "MemAvailable:":
				snap.MemFreeBytes = kb << 10
			}
		}
		f.Close()
	}

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fields := strings.Fields(string(data))
		if len(fields) > 0 {
			snap.Load1, _ = strconv.ParseFloat(fields[0], 64)
		}
	}

	var fs syscall.Statfs_t
	if err := syscall.Statfs(path, &fs); err == nil {
		snap.DiskTotal = fs.Blocks * uint64(fs.Bsize)
		snap.DiskFree = fs.Bavail * uint64(fs.Bsize)
	}

	return snap
}
