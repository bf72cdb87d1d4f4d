//go:build linux

package supervisor

import "syscall"

// procAttr puts the guest into its own process group so the whole tree can
// be signalled at once, and ties its life to the daemon's.
func procAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// terminateGroup sends SIGTERM to the whole process group.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

// killGroup sends SIGKILL to the whole process group.
func killGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
