//go:build !linux

package telemetry

func collect(_ string) Snapshot {
	return Snapshot{}
}
